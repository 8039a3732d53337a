// Package config holds the coordinator's configuration surface: the knobs
// named in spec.md's external-interfaces table. It deliberately does not
// parse flags or environment variables — that belongs to a CLI, which is
// out of scope for the core (see cmd/lewicoordd for a thin example of
// wiring flag.FlagSet onto Options).
package config

// Mode selects between polling the shared region directly and subscribing
// to the asynchronous notifier.
type Mode int

const (
	// ModeAsync uses internal/notify: other processes push new counts to
	// this process's mailbox as soon as a transfer completes.
	ModeAsync Mode = iota
	// ModePolling has the caller call facade.Poll() periodically instead
	// of registering a mailbox.
	ModePolling
)

func (m Mode) String() string {
	if m == ModePolling {
		return "polling"
	}
	return "async"
}

// VerboseFormat selects the zap encoder used when Verbose is set.
type VerboseFormat int

const (
	FormatConsole VerboseFormat = iota
	FormatJSON
)

// Options is the full set of configuration knobs recognized by this
// module, matching spec.md §6's table.
type Options struct {
	// ShmKey suffixes the shared-memory object names.
	ShmKey string

	// ShmSizeMultiplier scales the process array's capacity relative to
	// the node's CPU count. All attachers must agree on this value.
	ShmSizeMultiplier int

	// Mode selects polling vs. the async notifier.
	Mode Mode

	// KeepCPUOnBlockingCall selects IntoBlockingCall's lend-keep target:
	// true keeps 1 CPU, false lends all of them.
	KeepCPUOnBlockingCall bool

	// Verbose enables debug-level logging; VerboseFormat picks its
	// encoding. Logging surface only — never affects coordinator
	// semantics.
	Verbose       bool
	VerboseFormat VerboseFormat
}

// Default returns the baseline configuration: a generic shm key, a 4x
// process-array headroom multiplier, async mode, one CPU kept on blocking
// calls, and quiet logging.
func Default() Options {
	return Options{
		ShmKey:                "default",
		ShmSizeMultiplier:     4,
		Mode:                  ModeAsync,
		KeepCPUOnBlockingCall: true,
		Verbose:               false,
		VerboseFormat:         FormatConsole,
	}
}
