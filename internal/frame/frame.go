package frame

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Wire layout: cmd(1) session_id(16) target_ip(4) target_port(2) data_len(4) payload.
const (
	HeaderLen = 27
	// MaxDataLen is the hard ceiling on a single frame payload. A header
	// announcing more than this means the link is corrupt; there is no resync.
	MaxDataLen = 16 << 20
)

const (
	CmdData         byte = 0x01
	CmdDisconnect   byte = 0x03
	CmdProgramClose byte = 0x05
)

var (
	ErrTooLarge = errors.New("frame: data_len exceeds ceiling")
	ErrShort    = errors.New("frame: short buffer")
)

// SessionID is the 128-bit opaque identifier a session carries on the wire.
type SessionID [16]byte

// NewSessionID draws a fresh identifier from the system CSPRNG.
func NewSessionID() SessionID {
	var id SessionID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand never fails on supported platforms; if it does the
		// process has no business minting sessions.
		panic(err)
	}
	return id
}

func (id SessionID) String() string { return hex.EncodeToString(id[:]) }

// Frame is the atomic unit carried on the serial link.
type Frame struct {
	Cmd        byte
	ID         SessionID
	TargetIP   [4]byte
	TargetPort uint16
	Payload    []byte
}

// KnownCmd reports whether cmd is one this implementation understands.
func KnownCmd(cmd byte) bool {
	switch cmd {
	case CmdData, CmdDisconnect, CmdProgramClose:
		return true
	}
	return false
}

// TargetAddr renders the routing fields as a dialable host:port string.
func (f *Frame) TargetAddr() string {
	return net.JoinHostPort(net.IP(f.TargetIP[:]).String(), strconv.Itoa(int(f.TargetPort)))
}

// Encode serialises the frame to a fresh buffer, header plus payload.
func (f Frame) Encode() []byte {
	b := make([]byte, HeaderLen+len(f.Payload))
	b[0] = f.Cmd
	copy(b[1:17], f.ID[:])
	copy(b[17:21], f.TargetIP[:])
	binary.BigEndian.PutUint16(b[21:23], f.TargetPort)
	binary.BigEndian.PutUint32(b[23:27], uint32(len(f.Payload)))
	copy(b[HeaderLen:], f.Payload)
	return b
}

// Header is the decoded fixed part of a frame.
type Header struct {
	Cmd        byte
	ID         SessionID
	TargetIP   [4]byte
	TargetPort uint16
	DataLen    uint32
}

// DecodeHeader parses the 27-byte fixed header. The payload length is
// validated against MaxDataLen here so a corrupt length is caught before
// anything tries to buffer it.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShort
	}
	var h Header
	h.Cmd = b[0]
	copy(h.ID[:], b[1:17])
	copy(h.TargetIP[:], b[17:21])
	h.TargetPort = binary.BigEndian.Uint16(b[21:23])
	h.DataLen = binary.BigEndian.Uint32(b[23:27])
	if h.DataLen > MaxDataLen {
		return Header{}, fmt.Errorf("%w: data_len=%d", ErrTooLarge, h.DataLen)
	}
	return h, nil
}

// NewData builds a Data frame for id routed at the given target.
func NewData(id SessionID, targetIP [4]byte, targetPort uint16, payload []byte) Frame {
	return Frame{Cmd: CmdData, ID: id, TargetIP: targetIP, TargetPort: targetPort, Payload: payload}
}

// NewDisconnect builds the empty-payload closure request for id.
func NewDisconnect(id SessionID) Frame {
	return Frame{Cmd: CmdDisconnect, ID: id}
}

// NewProgramClose builds the shutdown announcement. The session fields are
// conventionally a fresh random ID; recipients ignore them.
func NewProgramClose() Frame {
	return Frame{Cmd: CmdProgramClose, ID: NewSessionID()}
}
