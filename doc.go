// Package lewi is the per-subprocess façade onto the node-local CPU-lending
// coordinator: one *Process per participating OS process, backed by a
// shared memory region (internal/shmregion), a coordinator state machine
// (internal/lewi) and, in async mode, a mailbox (internal/notify).
//
// A typical participant calls Init once at startup, then Lend/Reclaim/
// Acquire/Borrow as its workload's CPU needs change, and Finalize before
// exiting.
package lewi
