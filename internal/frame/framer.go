package frame

import (
	"github.com/matst80/linkmux/internal/obs"
)

// Framer reassembles the raw byte stream coming off the serial link into
// whole frames. It is single-reader: one goroutine pushes chunks, decoded
// frames come back in order. The consumed prefix is dropped as soon as a
// frame is emitted, so the buffer never holds more than one in-progress
// frame.
type Framer struct {
	buf []byte
}

// Push appends a chunk read from the link and returns every complete frame
// now available, in wire order. Frames with an unknown cmd are logged and
// dropped here; the header is still consumed so the stream stays in sync.
// A payload length above the ceiling is unrecoverable and returns an error.
func (fr *Framer) Push(chunk []byte) ([]Frame, error) {
	fr.buf = append(fr.buf, chunk...)
	var out []Frame
	for len(fr.buf) >= HeaderLen {
		h, err := DecodeHeader(fr.buf)
		if err != nil {
			return out, err
		}
		total := HeaderLen + int(h.DataLen)
		if len(fr.buf) < total {
			break
		}
		if KnownCmd(h.Cmd) {
			payload := make([]byte, h.DataLen)
			copy(payload, fr.buf[HeaderLen:total])
			out = append(out, Frame{
				Cmd:        h.Cmd,
				ID:         h.ID,
				TargetIP:   h.TargetIP,
				TargetPort: h.TargetPort,
				Payload:    payload,
			})
		} else {
			obs.Warn("frame.unknown_cmd", obs.Fields{"cmd": h.Cmd, "id": h.ID.String(), "len": h.DataLen})
			obs.ErrorsTotal.WithLabelValues("unknown_cmd").Inc()
		}
		fr.buf = append(fr.buf[:0], fr.buf[total:]...)
	}
	obs.FramerBufferBytes.Set(float64(len(fr.buf)))
	return out, nil
}

// Buffered returns how many bytes of a partial frame are currently held.
func (fr *Framer) Buffered() int { return len(fr.buf) }
