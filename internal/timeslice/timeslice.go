// Package timeslice accounts where physical-CPU time goes: inside the
// guest, in exit handling, or in one-time setup. Slice kinds are registered
// at package init; recording is cheap enough to sit on the VM-entry path.
package timeslice

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// TimesliceID identifies a registered slice kind.
type TimesliceID uint64

const InvalidTimesliceID = TimesliceID(0)

// maxKinds bounds the per-recorder accumulator array.
const maxKinds = 64

type SliceFlags uint32

const (
	// SliceFlagGuestTime marks time spent in VMX non-root operation.
	SliceFlagGuestTime SliceFlags = 1 << iota
	// SliceFlagInitTime marks one-time setup work.
	SliceFlagInitTime
)

func (f SliceFlags) String() string {
	flags := []string{}
	if f&SliceFlagGuestTime != 0 {
		flags = append(flags, "guest")
	}
	if f&SliceFlagInitTime != 0 {
		flags = append(flags, "init")
	}
	return strings.Join(flags, ",")
}

type SliceInfo struct {
	Name  string
	Flags SliceFlags
}

var timeslices = make(map[TimesliceID]SliceInfo)

// RegisterKind registers a slice kind. Not thread safe; call from package
// init only.
func RegisterKind(name string, flags SliceFlags) TimesliceID {
	id := TimesliceID(len(timeslices) + 1)
	if id >= maxKinds {
		panic(fmt.Sprintf("timeslice: too many kinds (%d)", id))
	}
	timeslices[id] = SliceInfo{
		Name:  name,
		Flags: flags,
	}
	return id
}

// The slice kinds of the vCPU execution core.
var (
	TimesliceGuest    = RegisterKind("guest", SliceFlagGuestTime)
	TimesliceExit     = RegisterKind("exit-handling", 0)
	TimesliceVMCSInit = RegisterKind("vmcs-init", SliceFlagInitTime)
)

type sliceAccum struct {
	count   atomic.Uint64
	totalNs atomic.Int64
}

// Recorder aggregates slice durations per machine. Recording is lock-free;
// vCPU threads on different physical CPUs record concurrently.
type Recorder struct {
	slices [maxKinds]sliceAccum

	mu    sync.Mutex
	trace io.Writer
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record adds one duration to the kind's running total.
func (r *Recorder) Record(id TimesliceID, d time.Duration) {
	if id == InvalidTimesliceID || id >= maxKinds {
		panic(fmt.Sprintf("timeslice: record with unregistered kind %d", id))
	}
	r.slices[id].count.Add(1)
	r.slices[id].totalNs.Add(d.Nanoseconds())

	r.mu.Lock()
	if r.trace != nil {
		var rec [16]byte
		binary.LittleEndian.PutUint64(rec[0:8], uint64(id))
		binary.LittleEndian.PutUint64(rec[8:16], uint64(d.Nanoseconds()))
		r.trace.Write(rec[:])
	}
	r.mu.Unlock()
}

// SetTrace streams raw records to w in addition to aggregating; nil stops
// the stream.
func (r *Recorder) SetTrace(w io.Writer) {
	r.mu.Lock()
	r.trace = w
	r.mu.Unlock()
}

// SliceSummary is the aggregated view of one slice kind.
type SliceSummary struct {
	Name  string
	Flags SliceFlags
	Count uint64
	Total time.Duration
}

// Summary returns the aggregated totals for every kind recorded at least
// once, in registration order.
func (r *Recorder) Summary() []SliceSummary {
	var out []SliceSummary
	for id := TimesliceID(1); id < TimesliceID(len(timeslices))+1; id++ {
		count := r.slices[id].count.Load()
		if count == 0 {
			continue
		}
		info := timeslices[id]
		out = append(out, SliceSummary{
			Name:  info.Name,
			Flags: info.Flags,
			Count: count,
			Total: time.Duration(r.slices[id].totalNs.Load()),
		})
	}
	return out
}

// GuestTime returns the total time recorded under guest-flagged kinds.
func (r *Recorder) GuestTime() time.Duration {
	var total int64
	for id := TimesliceID(1); id < TimesliceID(len(timeslices))+1; id++ {
		if timeslices[id].Flags&SliceFlagGuestTime != 0 {
			total += r.slices[id].totalNs.Load()
		}
	}
	return time.Duration(total)
}

// Stopwatch records the gaps between consecutive laps into a Recorder. One
// stopwatch belongs to one thread.
type Stopwatch struct {
	rec  *Recorder
	last time.Time
}

func (r *Recorder) Stopwatch() *Stopwatch {
	return &Stopwatch{rec: r, last: time.Now()}
}

// Lap records the time since the previous lap (or creation) under id.
func (s *Stopwatch) Lap(id TimesliceID) {
	now := time.Now()
	s.rec.Record(id, now.Sub(s.last))
	s.last = now
}
