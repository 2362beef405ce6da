// Command vmxdemo brings a simulated machine through the full bring-up
// sequence: it loads a machine description, builds the EPT, launches the
// bootstrap processor and starts the application processors with INIT-SIPI,
// then prints where the CPU time went.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"github.com/metalvisor/vmx"
	"github.com/metalvisor/vmx/internal/vmcs"
)

const defaultConfig = `
pcpus: 2
vms:
  - name: guest0
    vcpus: 2
    memory:
      - guest_base: 0x0
        host_base: 0x40000000
        size: 0x800000
        prot: rwx
    boot:
      mode: real
`

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("config", "", "Machine description file (YAML)")
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	tracePath := fs.String("trace", "", "Write raw time-slice records to this file")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath, *tracePath); err != nil {
		slog.Error("vmxdemo failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, tracePath string) error {
	var (
		cfg *vmx.MachineConfig
		err error
	)
	if configPath != "" {
		cfg, err = vmx.LoadConfig(configPath)
	} else {
		cfg, err = vmx.ParseConfig([]byte(defaultConfig))
	}
	if err != nil {
		return err
	}

	m := vmx.NewSimMachine(cfg.PCPUs)
	defer m.Close()

	if tracePath != "" {
		f, err := os.Create(tracePath)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()
		m.Recorder().SetTrace(f)
		defer m.Recorder().SetTrace(nil)
	}

	// Script the simulated guest: each vCPU executes a few CPUID
	// round-trips and then halts.
	var entries atomic.Uint64
	for _, c := range m.CPUs {
		c.OnEntry = func(resume bool, cpu *vmcs.SimCPU) (vmcs.SimExit, error) {
			if entries.Add(1)%4 == 0 {
				return vmcs.SimExit{Reason: vmcs.ExitReasonHLT, InstrLen: 1}, nil
			}
			return vmcs.SimExit{Reason: vmcs.ExitReasonCPUID, InstrLen: 2}, nil
		}
	}

	for i := range cfg.VMs {
		vm, err := m.BuildVM(uint16(i), &cfg.VMs[i])
		if err != nil {
			return err
		}
		if err := bringUp(vm); err != nil {
			return err
		}
	}

	// Let the vCPU quanta drain before reading the summary.
	time.Sleep(100 * time.Millisecond)
	printSummary(m.Recorder())
	return nil
}

func bringUp(vm *vmx.VM) error {
	bsp, err := vm.VCPU(0)
	if err != nil {
		return err
	}
	slog.Info("launching BSP", "vm", vm.ID(), "vcpu", bsp.ID(), "pcpu", bsp.PCPUID())
	bsp.Launch()

	for _, ap := range vm.VCPUs()[1:] {
		slog.Info("starting AP", "vm", vm.ID(), "vcpu", ap.ID(), "pcpu", ap.PCPUID())
		if err := vm.DeliverInitSignal(ap.ID(), bsp.PCPUID()); err != nil {
			return err
		}
		if err := vm.DeliverStartupIPI(ap.ID(), 0x08, bsp.PCPUID()); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(rec *vmx.Recorder) {
	plain := !term.IsTerminal(int(os.Stdout.Fd()))
	for _, s := range rec.Summary() {
		if plain {
			fmt.Printf("%s\t%s\t%d\t%d\n", s.Name, s.Flags, s.Count, s.Total.Nanoseconds())
			continue
		}
		fmt.Printf("% 20s flags=% 8s count=% 6d sum=% 14s avg=% 14s\n",
			s.Name, s.Flags, s.Count, s.Total, s.Total/time.Duration(s.Count))
	}
	fmt.Printf("total guest time: %s\n", rec.GuestTime())
}
