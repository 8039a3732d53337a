// Command lewicoordd is a read-only monitor for a node's shared CPU-lending
// region: it attaches alongside the real participants, never registers
// itself, and periodically prints each attached process's share and the
// idle pool and request queue sizes.
//
// There is no broker daemon in this design — participants talk directly
// through the shared region and each other's mailboxes — so lewicoordd is
// strictly observational and safe to start, stop, or never run at all.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cpucoord/lewi/internal/config"
	"github.com/cpucoord/lewi/internal/shmregion"
	"github.com/cpucoord/lewi/internal/telemetry"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n\n  %s [flags]\n\n", os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}
	flagKey := flag.String("shm-key", "default", "shared region `key` to observe")
	flagMultiplier := flag.Int("shm-size-multiplier", 4, "process array capacity, as a multiple of the node's CPU count")
	flagInterval := flag.Duration("interval", 2*time.Second, "how often to sample and print region state")
	flagOnce := flag.Bool("once", false, "print one sample and exit")
	flagVerbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	opts := config.Default()
	opts.Verbose = *flagVerbose
	log, err := telemetry.New(opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer log.Sync()

	region, err := shmregion.Attach(os.TempDir(), *flagKey, *flagMultiplier, log)
	if err != nil {
		log.Error("attach", zap.Error(err))
		return 1
	}
	defer region.Detach()

	sample(region, log)
	if *flagOnce {
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*flagInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0
		case <-ticker.C:
			sample(region, log)
		}
	}
}

func sample(region *shmregion.Region, log *zap.Logger) {
	if err := region.Lock(); err != nil {
		log.Error("lock", zap.Error(err))
		return
	}
	defer region.Unlock()

	log.Info("region snapshot",
		zap.Uint32("idle_cpus", region.IdleCPUs()),
		zap.Uint32("attached_procs", region.AttachedNProcs()),
		zap.Int("queued_requests", region.Requests().Size()),
	)
	region.ForEachProcess(func(p *shmregion.ProcessRecord) {
		log.Info("process share",
			zap.Int32("pid", p.PID),
			zap.Uint32("initial_ncpus", p.InitialNCPUs),
			zap.Uint32("current_ncpus", p.CurrentNCPUs),
		)
	})
}
