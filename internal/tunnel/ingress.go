package tunnel

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matst80/linkmux/internal/frame"
	"github.com/matst80/linkmux/internal/link"
	"github.com/matst80/linkmux/internal/mapping"
	"github.com/matst80/linkmux/internal/obs"
	"github.com/matst80/linkmux/internal/ratelimit"
	"github.com/matst80/linkmux/internal/registry"
	"github.com/matst80/linkmux/internal/session"
)

// readChunk is the per-session socket read size; one read becomes at most
// one Data frame.
const readChunk = 32 * 1024

// Ingress is the side sessions originate on: one TCP listener per mapping
// entry, a session minted per accepted connection.
type Ingress struct {
	// ListenHost narrows the bind address; empty means all interfaces.
	ListenHost string

	mappings *mapping.Table
	limiter  *ratelimit.AcceptLimiter
	reg      registry.Registry

	table  *session.Table
	writer *link.Writer

	mu        sync.Mutex
	listeners []net.Listener

	pumps sync.WaitGroup

	ready   atomic.Bool
	closing atomic.Bool

	remoteClose chan struct{}
	remoteOnce  sync.Once

	ctrs counters
}

func NewIngress(m *mapping.Table, limiter *ratelimit.AcceptLimiter, reg registry.Registry) *Ingress {
	return &Ingress{
		mappings:    m,
		limiter:     limiter,
		reg:         reg,
		table:       session.NewTable(),
		remoteClose: make(chan struct{}),
	}
}

// Run binds the listeners, consumes the link, and blocks until shutdown
// completes. Returns the process exit code.
func (in *Ingress) Run(ctx context.Context, uart io.ReadWriteCloser) int {
	in.writer = link.NewWriter(uart)

	for _, e := range in.mappings.Entries() {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", in.ListenHost, e.LocalPort))
		if err != nil {
			obs.Error("listen", obs.Fields{"port": e.LocalPort, "err": err.Error()})
			in.stopListeners()
			_ = in.writer.Close(time.Second)
			_ = uart.Close()
			return 1
		}
		obs.Info("listen", obs.Fields{"port": e.LocalPort, "target": targetString(e.TargetIP, e.RemotePort), "description": e.Description})
		in.mu.Lock()
		in.listeners = append(in.listeners, ln)
		in.mu.Unlock()
		go in.acceptLoop(ln, e)
	}

	readerDone := make(chan error, 1)
	go func() { readerDone <- link.ReadLoop(uart, in.handleFrame) }()

	in.ready.Store(true)
	obs.Info("ingress.ready", obs.Fields{"mappings": len(in.mappings.Entries())})

	announce := true
	fatal := false
	select {
	case <-ctx.Done():
		obs.Info("shutdown.signal", nil)
	case <-in.remoteClose:
		obs.Info("shutdown.peer", nil)
		announce = false
	case err := <-readerDone:
		select {
		case <-in.remoteClose:
			// The peer announced shutdown and then tore the link down; the
			// read error is a consequence, not a fault.
			obs.Info("shutdown.peer", nil)
			announce = false
		default:
			obs.Error("link.read", obs.Fields{"err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("link_read").Inc()
			fatal = true
		}
	case <-in.writer.Dead():
		obs.Error("link.dead", obs.Fields{"err": in.writer.Err().Error()})
		fatal = true
	}

	in.closing.Store(true)
	co := &Coordinator{
		Writer:      in.writer,
		Table:       in.table,
		Link:        uart,
		StopNewWork: in.stopListeners,
		WaitPumps:   func(d time.Duration) bool { return waitTimeout(&in.pumps, d) },
	}
	code := co.Run(announce)
	if fatal && code == 0 {
		code = 1
	}
	return code
}

func (in *Ingress) stopListeners() {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, ln := range in.listeners {
		_ = ln.Close()
	}
	in.listeners = nil
}

func (in *Ingress) acceptLoop(ln net.Listener, e mapping.Entry) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if in.closing.Load() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.timeout", obs.Fields{"port": e.LocalPort, "err": err.Error()})
				continue
			}
			obs.Error("accept", obs.Fields{"port": e.LocalPort, "err": err.Error()})
			return
		}
		if !in.limiter.Allow(e.LocalPort) {
			obs.Warn("accept.ratelimited", obs.Fields{"port": e.LocalPort, "remote": c.RemoteAddr().String()})
			obs.ErrorsTotal.WithLabelValues("ratelimited").Inc()
			_ = c.Close()
			continue
		}
		if in.closing.Load() {
			_ = c.Close()
			return
		}
		in.pumps.Add(1)
		go in.handleConn(c, e)
	}
}

// handleConn is the socket-to-link pump for one session: mint an ID, insert
// the session, forward every chunk as a Data frame, and on local close emit
// the session's one Disconnect.
func (in *Ingress) handleConn(c net.Conn, e mapping.Entry) {
	defer in.pumps.Done()

	id := frame.NewSessionID()
	s := session.New(id, c, e.LocalPort, e.TargetIP, e.RemotePort)
	if err := in.table.Insert(s); err != nil {
		obs.Error("session.insert", obs.Fields{"id": id.String(), "err": err.Error()})
		_ = c.Close()
		return
	}
	in.ctrs.sessions.Add(1)
	in.reg.SessionOpened("ingress", s)
	obs.Info("session.open", obs.Fields{
		"id":     id.String(),
		"port":   e.LocalPort,
		"target": targetString(e.TargetIP, e.RemotePort),
		"remote": c.RemoteAddr().String(),
	})
	start := time.Now()

	buf := make([]byte, readChunk)
	for {
		n, err := c.Read(buf)
		if n > 0 {
			s.NextSeq()
			if werr := in.writer.Enqueue(frame.NewData(id, e.TargetIP, e.RemotePort, buf[:n])); werr != nil {
				break
			}
			in.ctrs.framesSent.Add(1)
		}
		if err != nil {
			break
		}
	}

	in.table.Remove(id)
	s.Close()
	if s.MarkDisconnectSent() {
		if err := in.writer.Enqueue(frame.NewDisconnect(id)); err == nil {
			in.ctrs.disconnects.Add(1)
			obs.DisconnectsTotal.Inc()
		}
	}
	in.reg.SessionClosed(s)
	obs.SessionDurationSeconds.Observe(time.Since(start).Seconds())
	obs.Info("session.close", obs.Fields{"id": id.String(), "port": e.LocalPort})
}

// handleFrame interprets one frame from the peer. Runs on the single
// link-reader goroutine, which is what keeps per-session delivery ordered.
func (in *Ingress) handleFrame(f frame.Frame) {
	in.ctrs.framesRecv.Add(1)
	switch f.Cmd {
	case frame.CmdData:
		s, ok := in.table.Get(f.ID)
		if !ok {
			obs.Warn("frame.unknown_session", obs.Fields{"id": f.ID.String(), "len": len(f.Payload)})
			obs.ErrorsTotal.WithLabelValues("unknown_session").Inc()
			return
		}
		if err := s.Deliver(f.Payload); err != nil {
			obs.Warn("session.write", obs.Fields{"id": f.ID.String(), "err": err.Error()})
		}
	case frame.CmdDisconnect:
		s, ok := in.table.Get(f.ID)
		if !ok {
			obs.Warn("disconnect.stale", obs.Fields{"id": f.ID.String()})
			return
		}
		s.SuppressDisconnect()
		s.Close()
		in.table.Remove(f.ID)
		in.reg.SessionClosed(s)
		obs.Info("session.peer_disconnect", obs.Fields{"id": f.ID.String()})
	case frame.CmdProgramClose:
		obs.Info("programclose.received", nil)
		in.remoteOnce.Do(func() { close(in.remoteClose) })
	}
}

// Stats and dashboard plumbing.
func (in *Ingress) Stats() Stats                { return collectStats("ingress", in.table, &in.ctrs) }
func (in *Ingress) LiveSessions() []LiveSession { return liveSessions(in.table) }
func (in *Ingress) Ready() bool                 { return in.ready.Load() }
func (in *Ingress) Closing() bool               { return in.closing.Load() }

// Table is exposed for tests.
func (in *Ingress) Table() *session.Table { return in.table }
