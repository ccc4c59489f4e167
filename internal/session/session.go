package session

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/linkmux/internal/frame"
)

var ErrClosed = errors.New("session: closed")

// State of a session. Open -> Closed is the normal path; HalfClosed is
// bookkeeping used while shutdown drains a session.
type State int32

const (
	Open State = iota
	HalfClosed
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfClosed:
		return "half-closed"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Session is one end-to-end TCP pairing carried by the tunnel. On ingress
// the socket exists from birth; on egress it appears once the target dial
// completes, and payloads arriving in between queue in order.
type Session struct {
	ID         frame.SessionID
	LocalPort  uint16 // ingress listen port; zero on egress
	TargetIP   [4]byte
	TargetPort uint16
	Opened     time.Time

	state    atomic.Int32
	seq      atomic.Uint64
	discSent atomic.Bool

	mu      sync.Mutex
	conn    net.Conn
	dialing bool
	pending [][]byte // payloads queued while the egress dial is in flight
}

// New returns an Open session bound to conn. conn may be nil for an egress
// session whose dial is still in flight; deliveries queue until Establish.
func New(id frame.SessionID, conn net.Conn, localPort uint16, targetIP [4]byte, targetPort uint16) *Session {
	s := &Session{
		ID:         id,
		LocalPort:  localPort,
		TargetIP:   targetIP,
		TargetPort: targetPort,
		Opened:     time.Now(),
		conn:       conn,
		dialing:    conn == nil,
	}
	s.state.Store(int32(Open))
	return s
}

func (s *Session) State() State         { return State(s.state.Load()) }
func (s *Session) SetState(state State) { s.state.Store(int32(state)) }

// NextSeq advances the send-side sequence counter, once per chunk the pump
// reads from the socket. Not transmitted.
func (s *Session) NextSeq() uint64 { return s.seq.Add(1) }
func (s *Session) Seq() uint64     { return s.seq.Load() }

// MarkDisconnectSent returns true exactly once per session; the caller that
// wins emits the Disconnect frame. Losing callers (a peer Disconnect racing
// a local close) emit nothing.
func (s *Session) MarkDisconnectSent() bool {
	return s.discSent.CompareAndSwap(false, true)
}

// SuppressDisconnect consumes the one Disconnect emission without sending
// anything. Used when the peer initiated the closure.
func (s *Session) SuppressDisconnect() { s.discSent.Store(true) }

// Conn returns the live socket, or nil while an egress dial is in flight.
func (s *Session) Conn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// Deliver writes one payload toward the local socket, preserving arrival
// order. While an egress dial is in flight the payload is queued. Returns
// ErrClosed once the session is closed.
func (s *Session) Deliver(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == Closed {
		return ErrClosed
	}
	if s.dialing {
		buf := make([]byte, len(p))
		copy(buf, p)
		s.pending = append(s.pending, buf)
		return nil
	}
	if len(p) == 0 {
		return nil
	}
	_, err := s.conn.Write(p)
	return err
}

// Establish attaches the dialled socket and flushes everything queued, in
// order. If the session was closed while the dial was in flight it returns
// ErrClosed and the caller must close conn.
func (s *Session) Establish(conn net.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == Closed {
		return ErrClosed
	}
	for _, p := range s.pending {
		if _, err := conn.Write(p); err != nil {
			s.conn = conn
			s.dialing = false
			s.pending = nil
			return err
		}
	}
	s.conn = conn
	s.dialing = false
	s.pending = nil
	return nil
}

// PendingBytes reports how much payload is queued behind an in-flight dial.
func (s *Session) PendingBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pending {
		n += len(p)
	}
	return n
}

// Close transitions to Closed and closes the socket if one is attached.
// Idempotent; any queued payloads are dropped.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == Closed {
		return
	}
	s.SetState(Closed)
	s.pending = nil
	if s.conn != nil {
		_ = s.conn.Close()
	}
}
