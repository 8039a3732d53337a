// Package notify implements the per-process asynchronous mailbox: a
// listener on a named Unix-domain socket that decodes gob-encoded messages
// and hands them to a registered callback in post order, plus Post and
// WaitForCompletion for other processes (or this one) to reach it.
//
// This generalizes the teacher's single-daemon client/server gob protocol
// (cmd/perflock/client.go, daemon.go, protocol.go) from "one daemon, many
// clients" to "one mailbox per participating process, any peer may post",
// keeping the same encoding/gob-over-net.Conn idiom and abstract-namespace
// socket naming.
package notify

import (
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"inet.af/peercred"

	"github.com/cpucoord/lewi/internal/lewierr"
)

// Kind discriminates the messages posted into a mailbox. EnableCPU and
// DisableCPU belong to the mask-based policy this module doesn't
// implement; they're kept here only so both policies can share one wire
// format and one mailbox without a data race, per spec.
type Kind int

const (
	KindSetNumCPUs Kind = iota
	KindEnableCPU
	KindDisableCPU
	KindBarrier
)

// Message is the single wire type posted into a mailbox. Kind selects
// which fields are meaningful.
type Message struct {
	Kind      Kind
	NewTotal  uint32    // KindSetNumCPUs
	CPUID     int       // KindEnableCPU / KindDisableCPU
	BarrierID uuid.UUID // KindBarrier
}

type ackMessage struct {
	ID uuid.UUID
}

// Callback is invoked once per non-barrier message, in post order, on the
// mailbox's single worker goroutine.
type Callback func(Message)

// Mailbox is a per-process inbox reachable from other processes by pid.
type Mailbox struct {
	log      *zap.Logger
	key      string
	pid      int32
	listener net.Listener
	callback Callback

	inbox chan item

	closing  chan struct{}
	connWG   sync.WaitGroup
	workerWG sync.WaitGroup
}

type item struct {
	msg  Message
	done chan struct{}
}

// mailboxBacklog bounds how many decoded-but-not-yet-processed messages
// may queue up before a poster's Encode blocks on a full inbox; this is
// the mailbox's "capacity" referenced by spec.
const mailboxBacklog = 64

func socketPath(key string, pid int32) string {
	name := fmt.Sprintf("lewi-mbox-%s-%d", key, pid)
	if runtime.GOOS == "linux" {
		return "@" + name
	}
	return filepath.Join(os.TempDir(), name+".sock")
}

func isAbstract(path string) bool {
	return runtime.GOOS == "linux" && len(path) > 0 && path[0] == '@'
}

// Listen creates pid's mailbox and starts its accept loop. cb is invoked
// for every non-barrier message this mailbox receives, in post order.
func Listen(key string, pid int32, cb Callback, log *zap.Logger) (*Mailbox, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("notify")

	path := socketPath(key, pid)
	if !isAbstract(path) {
		os.Remove(path)
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("notify: listen %s: %w", path, err)
	}
	if !isAbstract(path) {
		if err := os.Chmod(path, 0o700); err != nil {
			l.Close()
			return nil, fmt.Errorf("notify: chmod %s: %w", path, err)
		}
	}

	m := &Mailbox{
		log:      log,
		key:      key,
		pid:      pid,
		listener: l,
		callback: cb,
		inbox:    make(chan item, mailboxBacklog),
		closing:  make(chan struct{}),
	}

	m.workerWG.Add(1)
	go m.worker()
	m.connWG.Add(1)
	go m.acceptLoop()

	return m, nil
}

func (m *Mailbox) worker() {
	defer m.workerWG.Done()
	for it := range m.inbox {
		if it.msg.Kind != KindBarrier {
			m.callback(it.msg)
		}
		if it.done != nil {
			close(it.done)
		}
	}
}

func (m *Mailbox) acceptLoop() {
	defer m.connWG.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.closing:
				return
			default:
				m.log.Error("mailbox accept failed", zap.Error(err))
				return
			}
		}
		// Connections are served one at a time in accept order, so posts
		// reach the inbox in the order they were made.
		m.connWG.Add(1)
		m.serve(conn)
	}
}

func (m *Mailbox) serve(conn net.Conn) {
	defer m.connWG.Done()
	defer conn.Close()

	if !m.authorize(conn) {
		return
	}

	dec := gob.NewDecoder(conn)
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			if err != io.EOF {
				m.log.Debug("mailbox connection ended", zap.Error(err))
			}
			return
		}

		done := make(chan struct{})
		m.inbox <- item{msg: msg, done: done}

		if msg.Kind == KindBarrier {
			<-done
			if err := gob.NewEncoder(conn).Encode(ackMessage{ID: msg.BarrierID}); err != nil {
				m.log.Debug("mailbox ack failed", zap.Error(err))
				return
			}
		}
	}
}

// authorize rejects posts from a uid other than this process's own: the
// participants are mutually trusted application processes, but the socket
// is reachable by any local user, so we still check the obvious case of a
// stray unrelated process connecting.
func (m *Mailbox) authorize(conn net.Conn) bool {
	cred, err := peercred.Get(conn)
	if err != nil {
		m.log.Debug("mailbox: no peer credentials", zap.Error(err))
		return true
	}
	uid, ok := cred.UserID()
	if !ok {
		return true
	}
	if uid != strconv.Itoa(os.Getuid()) {
		m.log.Warn("rejecting mailbox post from foreign uid", zap.String("uid", uid))
		return false
	}
	return true
}

// Close stops accepting new connections, lets in-flight connections drain
// (so pending messages reach the callback), then shuts the worker down.
func (m *Mailbox) Close() error {
	close(m.closing)
	err := m.listener.Close()
	m.connWG.Wait()
	close(m.inbox)
	m.workerWG.Wait()

	path := socketPath(m.key, m.pid)
	if !isAbstract(path) {
		os.Remove(path)
	}
	return err
}

// Post delivers msg to targetPID's mailbox, failing with lewierr.ErrPost
// if the target isn't reachable or doesn't accept the post within
// timeout. The poster never blocks on the target's processing of msg,
// only on handing it off.
func Post(key string, targetPID int32, msg Message, timeout time.Duration) error {
	path := socketPath(key, targetPID)
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", lewierr.ErrPost, path, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("%w: %v", lewierr.ErrPost, err)
	}
	if err := gob.NewEncoder(conn).Encode(msg); err != nil {
		return fmt.Errorf("%w: encode: %v", lewierr.ErrPost, err)
	}
	return nil
}

// WaitForCompletion blocks until targetPID's mailbox has processed every
// message posted to it before this call returns, or until timeout
// elapses. Used by tests to observe a settled state after a transfer.
func WaitForCompletion(key string, targetPID int32, timeout time.Duration) error {
	path := socketPath(key, targetPID)
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", lewierr.ErrPost, path, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", lewierr.ErrPost, err)
	}

	id := uuid.New()
	if err := gob.NewEncoder(conn).Encode(Message{Kind: KindBarrier, BarrierID: id}); err != nil {
		return fmt.Errorf("%w: encode barrier: %v", lewierr.ErrPost, err)
	}

	var ack ackMessage
	if err := gob.NewDecoder(conn).Decode(&ack); err != nil {
		return fmt.Errorf("%w: await barrier ack: %v", lewierr.ErrPost, err)
	}
	if ack.ID != id {
		return fmt.Errorf("%w: barrier id mismatch", lewierr.ErrPost)
	}
	return nil
}
