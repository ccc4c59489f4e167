package tunnel

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/matst80/linkmux/internal/frame"
	"github.com/matst80/linkmux/internal/link"
	"github.com/matst80/linkmux/internal/obs"
	"github.com/matst80/linkmux/internal/session"
)

const (
	// DrainTimeout bounds each shutdown wait: socket drain and link flush.
	DrainTimeout = 3 * time.Second
	// DialTimeout bounds an egress target dial.
	DialTimeout = 3 * time.Second
)

// Coordinator drives the graceful teardown sequence on either side:
// announce (local initiator only), stop new work, disconnect every live
// session, drain and close sockets, flush and close the link. Each wait is
// bounded; an expired wait turns the exit status to 1.
type Coordinator struct {
	Writer  *link.Writer
	Table   *session.Table
	Link    io.Closer
	Timeout time.Duration

	// StopNewWork closes ingress listeners; egress passes a no-op because its
	// refuse-dial flag is already set. Called before any Disconnect goes out.
	StopNewWork func()
	// WaitPumps blocks until every per-session pump exited, reporting false
	// on timeout.
	WaitPumps func(time.Duration) bool
}

func (c *Coordinator) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DrainTimeout
}

// Run executes the sequence and returns the process exit code. announce is
// true on the side that initiated shutdown locally; it emits exactly one
// ProgramClose before anything else so the peer can tear down concurrently.
func (c *Coordinator) Run(announce bool) int {
	timedOut := false
	if announce {
		if err := c.Writer.Enqueue(frame.NewProgramClose()); err != nil {
			obs.Warn("shutdown.programclose", obs.Fields{"err": err.Error()})
		} else {
			obs.Info("shutdown.programclose", nil)
		}
	}

	if c.StopNewWork != nil {
		c.StopNewWork()
	}

	live := c.Table.Snapshot()
	for _, s := range live {
		s.SetState(session.HalfClosed)
		if s.MarkDisconnectSent() {
			if err := c.Writer.Enqueue(frame.NewDisconnect(s.ID)); err != nil {
				obs.Warn("shutdown.disconnect", obs.Fields{"id": s.ID.String(), "err": err.Error()})
			} else {
				obs.DisconnectsTotal.Inc()
			}
		}
	}
	obs.Info("shutdown.disconnects_sent", obs.Fields{"sessions": len(live)})

	for _, s := range live {
		s.Close()
	}
	if c.WaitPumps != nil && !c.WaitPumps(c.timeout()) {
		obs.Error("shutdown.drain_timeout", obs.Fields{"timeout": c.timeout().String()})
		timedOut = true
	}

	if err := c.Writer.Close(c.timeout()); err != nil {
		if errors.Is(err, link.ErrFlushTimeout) {
			timedOut = true
		}
		obs.Warn("shutdown.link_flush", obs.Fields{"err": err.Error()})
	}
	if c.Link != nil {
		_ = c.Link.Close()
	}
	c.Table.Clear()

	if timedOut {
		obs.Error("shutdown.timed_out", nil)
		return 1
	}
	obs.Info("shutdown.complete", nil)
	return 0
}

// waitTimeout waits on wg, giving up after d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
