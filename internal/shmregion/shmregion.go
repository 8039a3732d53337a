// Package shmregion implements the node-local shared memory region that
// backs the coordinator: a named, versioned, mmap'd file holding the
// header (idle pool, attach count, request queue) followed by a
// contiguous array of per-process rows, plus the flock-based mutex that
// serializes every mutation.
//
// Go has no flexible array members, so the process array isn't a struct
// field: it's reached by pointer arithmetic past the fixed header, sized
// once at first attach from the node's CPU count times a configured
// multiplier. Every attacher after the first must agree on that size.
package shmregion

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/cpucoord/lewi/internal/cpuset"
	"github.com/cpucoord/lewi/internal/lewierr"
	"github.com/cpucoord/lewi/internal/reqqueue"
)

// Version is the layout version written as the first field of the header.
// An attacher whose compiled-in Version disagrees with the region's fails
// with lewierr.ErrInit rather than misinterpreting the bytes that follow.
const Version uint32 = 1

// ProcessRecord is one cache-line-aligned row of the shared process array.
type ProcessRecord struct {
	PID          int32
	InitialNCPUs uint32
	CurrentNCPUs uint32
	_            [52]byte // pad to 64 bytes
}

const processRecordSize = unsafe.Sizeof(ProcessRecord{})

// header is the fixed-size portion of the mapped region. It has no Go
// pointers or slices so it is safe to live directly inside mmap'd bytes
// shared across process address spaces.
type header struct {
	Version           uint32
	ShmSizeMultiplier uint32
	IdleCPUs          uint32
	AttachedNProcs    uint32
	ProcListHead      uint32
	Capacity          uint32
	Requests          reqqueue.Queue
}

const headerSize = unsafe.Sizeof(header{})

// Region is one process's handle onto the shared region. Obtain one with
// Attach; multiple in-process subsystems sharing the same (dir, key) get
// the same *Region back, refcounted, per spec's ownership model.
type Region struct {
	log  *zap.Logger
	key  string
	size int64

	dataPath string
	lockPath string
	dataFile *os.File
	lockFile *os.File
	data     []byte

	refcount int32
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Region{}
)

// Attach opens or creates the named region under dir, mapping it into this
// process and returning a refcounted handle. Subsequent Attach calls for
// the same (dir, key) from other subsystems in this process return the
// same *Region with its refcount incremented; the mapping itself is only
// ever created once per process.
func Attach(dir, key string, sizeMultiplier int, log *zap.Logger) (*Region, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	dataPath := filepath.Join(dir, "lewi_async."+key)
	if r, ok := registry[dataPath]; ok {
		atomic.AddInt32(&r.refcount, 1)
		return r, nil
	}

	r, err := open(dataPath, sizeMultiplier, log)
	if err != nil {
		return nil, err
	}
	registry[dataPath] = r
	return r, nil
}

func open(dataPath string, sizeMultiplier int, log *zap.Logger) (*Region, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("shmregion")

	nCPUs, err := cpuset.SystemSize()
	if err != nil {
		return nil, fmt.Errorf("shmregion: determine system size: %w", err)
	}
	capacity := uint32(nCPUs * sizeMultiplier)
	size := int64(headerSize) + int64(capacity)*int64(processRecordSize)

	lockPath := dataPath + ".lock"

	dataFile, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shmregion: open %s: %w", dataPath, err)
	}
	lockFile, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		dataFile.Close()
		return nil, fmt.Errorf("shmregion: open %s: %w", lockPath, err)
	}

	r := &Region{
		log:      log,
		dataPath: dataPath,
		lockPath: lockPath,
		dataFile: dataFile,
		lockFile: lockFile,
		size:     size,
		refcount: 1,
	}

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		r.closeFiles()
		return nil, fmt.Errorf("shmregion: flock: %w", err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	st, err := dataFile.Stat()
	if err != nil {
		r.closeFiles()
		return nil, fmt.Errorf("shmregion: stat: %w", err)
	}

	firstAttacher := st.Size() == 0
	switch {
	case firstAttacher:
		if err := dataFile.Truncate(size); err != nil {
			r.closeFiles()
			return nil, fmt.Errorf("%w: truncate to %d bytes: %v", lewierr.ErrNoMemory, size, err)
		}
	case st.Size() != size:
		r.closeFiles()
		return nil, fmt.Errorf("%w: existing region is %d bytes, this attacher expects %d (capacity mismatch)",
			lewierr.ErrInit, st.Size(), size)
	}

	data, err := unix.Mmap(int(dataFile.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		r.closeFiles()
		return nil, fmt.Errorf("shmregion: mmap: %w", err)
	}
	r.data = data

	hdr := r.headerPtr()
	if firstAttacher {
		*hdr = header{
			Version:           Version,
			ShmSizeMultiplier: uint32(sizeMultiplier),
			Capacity:          capacity,
		}
		log.Debug("initialized new shared region", zap.String("path", dataPath), zap.Uint32("capacity", capacity))
	} else {
		if hdr.Version != Version {
			unix.Munmap(r.data)
			r.closeFiles()
			return nil, fmt.Errorf("%w: region version %d, this attacher expects %d", lewierr.ErrInit, hdr.Version, Version)
		}
		if hdr.ShmSizeMultiplier != uint32(sizeMultiplier) {
			unix.Munmap(r.data)
			r.closeFiles()
			return nil, fmt.Errorf("%w: region size multiplier %d, this attacher expects %d",
				lewierr.ErrInit, hdr.ShmSizeMultiplier, sizeMultiplier)
		}
		r.CleanupStale()
	}

	return r, nil
}

func (r *Region) closeFiles() {
	if r.dataFile != nil {
		r.dataFile.Close()
	}
	if r.lockFile != nil {
		r.lockFile.Close()
	}
}

func (r *Region) headerPtr() *header {
	return (*header)(unsafe.Pointer(&r.data[0]))
}

// process returns the i'th row of the process array. Callers must hold the
// region lock and must have validated i < Capacity().
func (r *Region) process(i uint32) *ProcessRecord {
	off := headerSize + uintptr(i)*processRecordSize
	return (*ProcessRecord)(unsafe.Pointer(&r.data[off]))
}

// Lock acquires the cross-process mutex guarding the whole region. The
// critical section must stay short: no blocking I/O, no mailbox posts, no
// callback invocations while held (see internal/notify and facade).
func (r *Region) Lock() error {
	if err := unix.Flock(int(r.lockFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("shmregion: flock: %w", err)
	}
	return nil
}

// Unlock releases the mutex acquired by Lock.
func (r *Region) Unlock() {
	if err := unix.Flock(int(r.lockFile.Fd()), unix.LOCK_UN); err != nil {
		r.log.Error("funlock failed", zap.Error(err))
	}
}

// Capacity returns the fixed number of process slots this region has.
func (r *Region) Capacity() uint32 { return r.headerPtr().Capacity }

// IdleCPUs returns the current size of the idle pool. Caller must hold Lock.
func (r *Region) IdleCPUs() uint32 { return r.headerPtr().IdleCPUs }

// AddIdleCPUs adjusts the idle pool by delta (which may be negative).
// Caller must hold Lock.
func (r *Region) AddIdleCPUs(delta int64) {
	hdr := r.headerPtr()
	hdr.IdleCPUs = uint32(int64(hdr.IdleCPUs) + delta)
}

// AttachedNProcs returns the number of live process rows. Caller must hold
// Lock for a consistent read, though this is also safe to call unlocked for
// diagnostics.
func (r *Region) AttachedNProcs() uint32 { return r.headerPtr().AttachedNProcs }

// Requests returns the shared request queue. Caller must hold Lock.
func (r *Region) Requests() *reqqueue.Queue { return &r.headerPtr().Requests }

// FindProcess scans the live rows for pid. Caller must hold Lock.
func (r *Region) FindProcess(pid int32) *ProcessRecord {
	hdr := r.headerPtr()
	for i := uint32(0); i < hdr.ProcListHead; i++ {
		p := r.process(i)
		if p.PID == pid {
			return p
		}
	}
	return nil
}

// ForEachProcess invokes fn for every live row. Caller must hold Lock.
func (r *Region) ForEachProcess(fn func(*ProcessRecord)) {
	hdr := r.headerPtr()
	for i := uint32(0); i < hdr.ProcListHead; i++ {
		p := r.process(i)
		if p.PID != 0 {
			fn(p)
		}
	}
}

// Register creates a new row for pid with the given initial/current share,
// extending ProcListHead if needed. Returns lewierr.ErrNoMemory if the
// region is full. Caller must hold Lock.
func (r *Region) Register(pid int32, ncpus uint32) error {
	hdr := r.headerPtr()
	for i := uint32(0); i < hdr.Capacity; i++ {
		p := r.process(i)
		if p.PID == 0 {
			*p = ProcessRecord{PID: pid, InitialNCPUs: ncpus, CurrentNCPUs: ncpus}
			if i+1 > hdr.ProcListHead {
				hdr.ProcListHead = i + 1
			}
			hdr.AttachedNProcs++
			return nil
		}
	}
	return lewierr.ErrNoMemory
}

// Unregister zeroes pid's row and decrements AttachedNProcs. Caller must
// hold Lock.
func (r *Region) Unregister(pid int32) {
	hdr := r.headerPtr()
	for i := uint32(0); i < hdr.ProcListHead; i++ {
		p := r.process(i)
		if p.PID == pid {
			*p = ProcessRecord{}
			if hdr.AttachedNProcs > 0 {
				hdr.AttachedNProcs--
			}
			return
		}
	}
}

// CleanupStale scans every live row and, for any pid that no longer exists
// in the OS, zeroes the row and decrements AttachedNProcs. Returns the
// number of rows cleaned. Caller must hold Lock.
func (r *Region) CleanupStale() int {
	hdr := r.headerPtr()
	cleaned := 0
	for i := uint32(0); i < hdr.ProcListHead; i++ {
		p := r.process(i)
		if p.PID == 0 {
			continue
		}
		if !pidAlive(p.PID) {
			*p = ProcessRecord{}
			if hdr.AttachedNProcs > 0 {
				hdr.AttachedNProcs--
			}
			cleaned++
		}
	}
	if cleaned > 0 {
		r.log.Info("cleaned up stale process rows", zap.Int("count", cleaned))
	}
	return cleaned
}

func pidAlive(pid int32) bool {
	err := syscall.Kill(int(pid), 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, syscall.ESRCH)
}

// Detach decrements this process's refcount on the region; when it reaches
// zero the mapping is torn down and, if no processes remain attached, the
// backing files are removed.
func (r *Region) Detach() error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if atomic.AddInt32(&r.refcount, -1) > 0 {
		return nil
	}
	delete(registry, r.dataPath)

	empty := r.AttachedNProcs() == 0
	if err := unix.Munmap(r.data); err != nil {
		r.closeFiles()
		return fmt.Errorf("shmregion: munmap: %w", err)
	}
	r.closeFiles()

	if empty {
		os.Remove(r.dataPath)
		os.Remove(r.lockPath)
	}
	return nil
}
