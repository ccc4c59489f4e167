package link

import (
	"io"

	"github.com/matst80/linkmux/internal/frame"
	"github.com/matst80/linkmux/internal/obs"
)

// readBufSize is the per-read chunk taken off the serial device.
const readBufSize = 4096

// ReadLoop drains r through a Framer and hands every whole frame to handle,
// in order, from this single goroutine. It returns the first read or framing
// error; both are fatal for the link.
func ReadLoop(r io.Reader, handle func(frame.Frame)) error {
	var fr frame.Framer
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, ferr := fr.Push(buf[:n])
			for i := range frames {
				obs.FramesReceivedTotal.WithLabelValues(obs.CmdLabel(frames[i].Cmd)).Inc()
				if frames[i].Cmd == frame.CmdData {
					obs.BytesReceivedTotal.Add(float64(len(frames[i].Payload)))
				}
				handle(frames[i])
			}
			if ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
	}
}
