package tunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/linkmux/internal/frame"
	"github.com/matst80/linkmux/internal/link"
	"github.com/matst80/linkmux/internal/obs"
	"github.com/matst80/linkmux/internal/registry"
	"github.com/matst80/linkmux/internal/session"
)

// Egress is the side sessions terminate on. It has no listeners: the first
// Data frame for an unknown ID triggers a dial to the routing fields it
// carries.
type Egress struct {
	reg registry.Registry

	table  *session.Table
	writer *link.Writer

	pumps sync.WaitGroup

	ready   atomic.Bool
	closing atomic.Bool

	remoteClose chan struct{}
	remoteOnce  sync.Once

	dialTimeout time.Duration

	ctrs counters
}

func NewEgress(reg registry.Registry) *Egress {
	return &Egress{
		reg:         reg,
		table:       session.NewTable(),
		remoteClose: make(chan struct{}),
		dialTimeout: DialTimeout,
	}
}

// Run consumes the link and blocks until shutdown completes. Returns the
// process exit code.
func (eg *Egress) Run(ctx context.Context, uart io.ReadWriteCloser) int {
	eg.writer = link.NewWriter(uart)

	readerDone := make(chan error, 1)
	go func() { readerDone <- link.ReadLoop(uart, eg.handleFrame) }()

	eg.ready.Store(true)
	obs.Info("egress.ready", nil)

	announce := true
	fatal := false
	select {
	case <-ctx.Done():
		obs.Info("shutdown.signal", nil)
	case <-eg.remoteClose:
		obs.Info("shutdown.peer", nil)
		announce = false
	case err := <-readerDone:
		select {
		case <-eg.remoteClose:
			// The peer announced shutdown and then tore the link down; the
			// read error is a consequence, not a fault.
			obs.Info("shutdown.peer", nil)
			announce = false
		default:
			obs.Error("link.read", obs.Fields{"err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("link_read").Inc()
			fatal = true
		}
	case <-eg.writer.Dead():
		obs.Error("link.dead", obs.Fields{"err": eg.writer.Err().Error()})
		fatal = true
	}

	eg.closing.Store(true)
	co := &Coordinator{
		Writer:      eg.writer,
		Table:       eg.table,
		Link:        uart,
		StopNewWork: func() {}, // the closing flag already refuses new dials
		WaitPumps:   func(d time.Duration) bool { return waitTimeout(&eg.pumps, d) },
	}
	code := co.Run(announce)
	if fatal && code == 0 {
		code = 1
	}
	return code
}

// handleFrame interprets one frame from the peer, on the single link-reader
// goroutine.
func (eg *Egress) handleFrame(f frame.Frame) {
	eg.ctrs.framesRecv.Add(1)
	switch f.Cmd {
	case frame.CmdData:
		if s, ok := eg.table.Get(f.ID); ok {
			if err := s.Deliver(f.Payload); err != nil {
				obs.Warn("session.write", obs.Fields{"id": f.ID.String(), "err": err.Error()})
			}
			return
		}
		if eg.closing.Load() {
			obs.Warn("dial.refused", obs.Fields{"id": f.ID.String(), "reason": "shutting down"})
			return
		}
		// First frame for an unseen ID: the routing fields are authoritative
		// exactly once, here.
		s := session.New(f.ID, nil, 0, f.TargetIP, f.TargetPort)
		if err := eg.table.Insert(s); err != nil {
			obs.Error("session.insert", obs.Fields{"id": f.ID.String(), "err": err.Error()})
			return
		}
		_ = s.Deliver(f.Payload) // queued behind the dial
		eg.ctrs.sessions.Add(1)
		eg.reg.SessionOpened("egress", s)
		obs.Info("session.dial", obs.Fields{"id": f.ID.String(), "target": f.TargetAddr()})
		eg.pumps.Add(1)
		go eg.dialAndPump(s)
	case frame.CmdDisconnect:
		s, ok := eg.table.Get(f.ID)
		if !ok {
			obs.Warn("disconnect.stale", obs.Fields{"id": f.ID.String()})
			return
		}
		s.SuppressDisconnect()
		s.Close()
		eg.table.Remove(f.ID)
		eg.reg.SessionClosed(s)
		obs.Info("session.peer_disconnect", obs.Fields{"id": f.ID.String()})
	case frame.CmdProgramClose:
		obs.Info("programclose.received", nil)
		eg.remoteOnce.Do(func() { close(eg.remoteClose) })
	}
}

// dialAndPump completes the async dial for a fresh session, flushes the
// queued payloads, then pumps target-socket bytes back over the link. On
// any exit it emits the session's one Disconnect unless the peer got there
// first.
func (eg *Egress) dialAndPump(s *session.Session) {
	defer eg.pumps.Done()

	target := targetString(s.TargetIP, s.TargetPort)
	conn, err := net.DialTimeout("tcp", target, eg.dialTimeout)
	if err != nil {
		obs.Error("dial", obs.Fields{"id": s.ID.String(), "target": target, "err": err.Error()})
		obs.DialFailuresTotal.Inc()
		eg.teardown(s)
		return
	}
	if err := s.Establish(conn); err != nil {
		if errors.Is(err, session.ErrClosed) {
			// Peer disconnected (or shutdown began) while the dial was in
			// flight; the queued payloads are already dropped.
			_ = conn.Close()
			return
		}
		obs.Warn("session.flush", obs.Fields{"id": s.ID.String(), "err": err.Error()})
		eg.teardown(s)
		return
	}
	obs.Info("session.open", obs.Fields{"id": s.ID.String(), "target": target})
	start := time.Now()

	buf := make([]byte, readChunk)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			s.NextSeq()
			if werr := eg.writer.Enqueue(frame.NewData(s.ID, s.TargetIP, s.TargetPort, buf[:n])); werr != nil {
				break
			}
			eg.ctrs.framesSent.Add(1)
		}
		if err != nil {
			break
		}
	}

	eg.teardown(s)
	obs.SessionDurationSeconds.Observe(time.Since(start).Seconds())
	obs.Info("session.close", obs.Fields{"id": s.ID.String(), "target": target})
}

// teardown removes the session and emits its one Disconnect if this side
// observed the closure first.
func (eg *Egress) teardown(s *session.Session) {
	eg.table.Remove(s.ID)
	s.Close()
	if s.MarkDisconnectSent() {
		if err := eg.writer.Enqueue(frame.NewDisconnect(s.ID)); err == nil {
			eg.ctrs.disconnects.Add(1)
			obs.DisconnectsTotal.Inc()
		}
	}
	eg.reg.SessionClosed(s)
}

// Stats and dashboard plumbing.
func (eg *Egress) Stats() Stats                { return collectStats("egress", eg.table, &eg.ctrs) }
func (eg *Egress) LiveSessions() []LiveSession { return liveSessions(eg.table) }
func (eg *Egress) Ready() bool                 { return eg.ready.Load() }
func (eg *Egress) Closing() bool               { return eg.closing.Load() }

// Table is exposed for tests.
func (eg *Egress) Table() *session.Table { return eg.table }
