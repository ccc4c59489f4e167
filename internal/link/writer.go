package link

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/matst80/linkmux/internal/frame"
	"github.com/matst80/linkmux/internal/obs"
)

var (
	ErrWriterClosed = errors.New("link: writer closed")
	ErrFlushTimeout = errors.New("link: flush timed out")
)

// Writer is the single serialisation point for everything going onto the
// serial link. Frames are encoded by the submitter and handed whole to one
// owning goroutine, so no two frames ever interleave on the wire. A full
// queue blocks the submitter; that stall is the tunnel's backpressure.
type Writer struct {
	ch      chan []byte
	quit    chan struct{}
	drained chan struct{}
	dead    chan struct{}

	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

// NewWriter starts the owning goroutine over w.
func NewWriter(w io.Writer) *Writer {
	lw := &Writer{
		ch:      make(chan []byte, 64),
		quit:    make(chan struct{}),
		drained: make(chan struct{}),
		dead:    make(chan struct{}),
	}
	go lw.run(w)
	return lw
}

func (lw *Writer) run(w io.Writer) {
	defer close(lw.drained)
	for {
		select {
		case b := <-lw.ch:
			if !lw.write(w, b) {
				return
			}
		case <-lw.quit:
			// Drain whatever was enqueued before the close, then stop.
			for {
				select {
				case b := <-lw.ch:
					if !lw.write(w, b) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (lw *Writer) write(w io.Writer, b []byte) bool {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			lw.mu.Lock()
			lw.err = err
			lw.mu.Unlock()
			close(lw.dead)
			obs.Error("link.write", obs.Fields{"err": err.Error()})
			return false
		}
		b = b[n:]
	}
	return true
}

// Enqueue submits one whole frame. It blocks while the link is slower than
// the submitters; it never drops a frame. Submission order from a single
// goroutine equals emission order on the wire.
func (lw *Writer) Enqueue(f frame.Frame) error {
	b := f.Encode()
	select {
	case <-lw.quit:
		return ErrWriterClosed
	default:
	}
	select {
	case <-lw.dead:
		return lw.Err()
	case <-lw.quit:
		return ErrWriterClosed
	case lw.ch <- b:
		obs.FramesSentTotal.WithLabelValues(obs.CmdLabel(f.Cmd)).Inc()
		if f.Cmd == frame.CmdData {
			obs.BytesSentTotal.Add(float64(len(f.Payload)))
		}
		return nil
	}
}

// Dead is closed when a link write has failed; the link is then
// unrecoverable.
func (lw *Writer) Dead() <-chan struct{} { return lw.dead }

// Err returns the write error that killed the link, if any.
func (lw *Writer) Err() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.err
}

// Close stops accepting frames, waits up to timeout for the queue to reach
// the wire, and reports ErrFlushTimeout if it did not.
func (lw *Writer) Close(timeout time.Duration) error {
	lw.closeOnce.Do(func() { close(lw.quit) })
	select {
	case <-lw.drained:
		return lw.Err()
	case <-time.After(timeout):
		return ErrFlushTimeout
	}
}
