// Command lewictl runs a command with a share of this node's CPUs managed
// by the coordinator for the duration of the run: it registers with ncpus
// as both its initial and current share, execs the command, and restores
// its share on exit so the next participant to attach sees a clean slate.
//
// Usage:
//
//	lewictl [flags] -- command...
//
// lewictl itself is one participant among possibly several co-located
// invocations sharing the same -shm-key; it never brokers requests for
// anyone else, matching the coordinator's no-central-daemon design.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	lewi "github.com/cpucoord/lewi"
	"github.com/cpucoord/lewi/internal/config"
	"github.com/cpucoord/lewi/internal/telemetry"
)

func main() {
	os.Exit(realMain())
}

// realMain holds every deferred cleanup (Finalize, log flush) so os.Exit in
// main only ever runs after they've had a chance to run; os.Exit itself
// skips deferred calls, so it must be the last thing lewictl does.
func realMain() int {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n  %s [flags] -- command...\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flagKey := flag.String("shm-key", "default", "shared region `key`, must match cooperating processes")
	flagMultiplier := flag.Int("shm-size-multiplier", 4, "process array capacity, as a multiple of the node's CPU count")
	flagCores := flag.Uint("cores", 1, "initial CPU share to register with")
	flagPolling := flag.Bool("polling", false, "poll for CPU total changes instead of using the async mailbox")
	flagVerbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	cmd := flag.Args()
	if len(cmd) == 0 {
		flag.Usage()
		return 2
	}

	opts := config.Default()
	opts.ShmKey = *flagKey
	opts.ShmSizeMultiplier = *flagMultiplier
	opts.Verbose = *flagVerbose
	if *flagPolling {
		opts.Mode = config.ModePolling
	}

	log, err := telemetry.New(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer log.Sync()

	pid := int32(os.Getpid())
	var onSetNumCPUs lewi.SetNumCPUsFunc
	if opts.Mode == config.ModeAsync {
		onSetNumCPUs = func(n uint32) {
			log.Info("current share changed", zap.Uint32("ncpus", n))
		}
	}

	p, err := lewi.Init(opts, pid, uint32(*flagCores), onSetNumCPUs, log)
	if err != nil {
		log.Error("init", zap.Error(err))
		return 1
	}
	defer func() {
		if err := p.Finalize(); err != nil {
			log.Warn("finalize", zap.Error(err))
		}
	}()

	return run(cmd)
}

// run execs args and returns the exit status to propagate, forwarding
// SIGINT/SIGTERM to the child so it gets a chance to shut down cleanly
// before lewictl restores its CPU share.
func run(args []string) int {
	c := exec.Command(args[0], args[1:]...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		if c.Process != nil {
			c.Process.Signal(syscall.SIGTERM)
		}
	}()

	if err := c.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Exited() {
				return status.ExitStatus()
			}
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
