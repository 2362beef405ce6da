package timeslice

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"
)

var (
	timesliceA = RegisterKind("a", 0)
	timesliceB = RegisterKind("b", SliceFlagGuestTime)
)

func TestRecordAggregates(t *testing.T) {
	rec := NewRecorder()

	rec.Record(timesliceA, 100*time.Millisecond)
	rec.Record(timesliceA, 50*time.Millisecond)
	rec.Record(timesliceB, 200*time.Millisecond)

	summary := rec.Summary()
	var a, b *SliceSummary
	for i := range summary {
		switch summary[i].Name {
		case "a":
			a = &summary[i]
		case "b":
			b = &summary[i]
		}
	}
	if a == nil || b == nil {
		t.Fatalf("summary missing kinds: %+v", summary)
	}
	if a.Count != 2 || a.Total != 150*time.Millisecond {
		t.Errorf("kind a: count=%d total=%v", a.Count, a.Total)
	}
	if b.Count != 1 || b.Total != 200*time.Millisecond {
		t.Errorf("kind b: count=%d total=%v", b.Count, b.Total)
	}
}

func TestGuestTimeCountsOnlyGuestKinds(t *testing.T) {
	rec := NewRecorder()

	rec.Record(timesliceA, 1*time.Second)
	rec.Record(timesliceB, 300*time.Millisecond)

	if got := rec.GuestTime(); got != 300*time.Millisecond {
		t.Fatalf("GuestTime = %v, want 300ms", got)
	}
}

func TestSummarySkipsUnrecordedKinds(t *testing.T) {
	rec := NewRecorder()
	rec.Record(timesliceA, time.Millisecond)

	for _, s := range rec.Summary() {
		if s.Count == 0 {
			t.Errorf("summary contains unrecorded kind %q", s.Name)
		}
	}
}

func TestTraceStreamsRecords(t *testing.T) {
	rec := NewRecorder()
	var buf bytes.Buffer
	rec.SetTrace(&buf)

	rec.Record(timesliceA, 5*time.Millisecond)
	rec.Record(timesliceB, 7*time.Millisecond)
	rec.SetTrace(nil)
	rec.Record(timesliceA, 9*time.Millisecond)

	if buf.Len() != 32 {
		t.Fatalf("trace length = %d, want 32", buf.Len())
	}
	id := TimesliceID(binary.LittleEndian.Uint64(buf.Bytes()[0:8]))
	ns := binary.LittleEndian.Uint64(buf.Bytes()[8:16])
	if id != timesliceA || time.Duration(ns) != 5*time.Millisecond {
		t.Errorf("first record = kind %d, %v", id, time.Duration(ns))
	}
}

func TestStopwatchLap(t *testing.T) {
	rec := NewRecorder()
	sw := rec.Stopwatch()

	time.Sleep(time.Millisecond)
	sw.Lap(timesliceA)

	summary := rec.Summary()
	if len(summary) != 1 || summary[0].Count != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	if summary[0].Total <= 0 {
		t.Errorf("lap recorded non-positive duration %v", summary[0].Total)
	}
}

func BenchmarkRecord(b *testing.B) {
	rec := NewRecorder()
	b.ResetTimer()
	for b.Loop() {
		rec.Record(timesliceA, 100*time.Nanosecond)
	}
}
