package tunnel

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/matst80/linkmux/internal/frame"
	"github.com/matst80/linkmux/internal/mapping"
	"github.com/matst80/linkmux/internal/registry"
)

// sniffLink wraps one end of the in-memory "UART" and records every frame
// written through it, so tests can assert on the wire itself.
type sniffLink struct {
	io.ReadWriteCloser
	mu     sync.Mutex
	fr     frame.Framer
	frames []frame.Frame
}

func (s *sniffLink) Write(p []byte) (int, error) {
	s.mu.Lock()
	fs, _ := s.fr.Push(p)
	s.frames = append(s.frames, fs...)
	s.mu.Unlock()
	return s.ReadWriteCloser.Write(p)
}

func (s *sniffLink) count(cmd byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, f := range s.frames {
		if f.Cmd == cmd {
			n++
		}
	}
	return n
}

func noopRegistry(t *testing.T) registry.Registry {
	t.Helper()
	reg, err := registry.New("", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return uint16(port)
}

// startEcho runs a TCP echo server and returns its port.
func startEcho(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(c, c)
				c.Close()
			}()
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type tunnelEnv struct {
	in     *Ingress
	eg     *Egress
	inLink *sniffLink // frames ingress put on the wire
	egLink *sniffLink // frames egress put on the wire
	inDone chan struct{}
	egDone chan struct{}
	inCode int
	egCode int
	stopIn context.CancelFunc
	stopEg context.CancelFunc
}

// waitExit blocks until the side whose done channel is given has returned.
func (env *tunnelEnv) waitExit(t *testing.T, done chan struct{}, side string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("%s did not exit", side)
	}
}

// startTunnel brings up both sides over an in-memory duplex pipe standing
// in for the serial link.
func startTunnel(t *testing.T, entries []mapping.Entry) *tunnelEnv {
	t.Helper()
	mt, err := mapping.New(entries)
	if err != nil {
		t.Fatal(err)
	}
	uartA, uartB := net.Pipe()
	env := &tunnelEnv{
		inLink: &sniffLink{ReadWriteCloser: uartA},
		egLink: &sniffLink{ReadWriteCloser: uartB},
		inDone: make(chan struct{}),
		egDone: make(chan struct{}),
	}
	env.in = NewIngress(mt, nil, noopRegistry(t))
	env.in.ListenHost = "127.0.0.1"
	env.eg = NewEgress(noopRegistry(t))

	var ctxIn, ctxEg context.Context
	ctxIn, env.stopIn = context.WithCancel(context.Background())
	ctxEg, env.stopEg = context.WithCancel(context.Background())
	go func() { env.inCode = env.in.Run(ctxIn, env.inLink); close(env.inDone) }()
	go func() { env.egCode = env.eg.Run(ctxEg, env.egLink); close(env.egDone) }()
	waitFor(t, "both sides ready", func() bool { return env.in.Ready() && env.eg.Ready() })

	t.Cleanup(func() {
		env.stopIn()
		env.stopEg()
		for _, done := range []chan struct{}{env.inDone, env.egDone} {
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Error("side did not exit on cleanup")
			}
		}
	})
	return env
}

func dialIngress(t *testing.T, port uint16) net.Conn {
	t.Helper()
	var c net.Conn
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c, err = net.DialTimeout("tcp", targetString([4]byte{127, 0, 0, 1}, port), time.Second)
		if err == nil {
			return c
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("dial ingress :%d: %v", port, err)
	return nil
}

// One client, echo target: bytes come back intact, exactly one Disconnect
// crosses the wire, both tables end empty.
func TestTunnelEcho(t *testing.T) {
	echoPort := startEcho(t)
	ingressPort := freePort(t)
	env := startTunnel(t, []mapping.Entry{
		{LocalPort: ingressPort, RemoteHost: "127.0.0.1", RemotePort: echoPort, Description: "echo"},
	})

	c := dialIngress(t, ingressPort)
	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	got := make([]byte, 5)
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("echoed %q", got)
	}
	c.Close()

	waitFor(t, "tables empty", func() bool {
		return env.in.Table().Len() == 0 && env.eg.Table().Len() == 0
	})
	waitFor(t, "one disconnect on the wire", func() bool {
		return env.inLink.count(frame.CmdDisconnect) == 1
	})
	if n := env.egLink.count(frame.CmdDisconnect); n != 0 {
		t.Errorf("egress echoed %d Disconnects, want 0", n)
	}
}

// Two concurrent sessions with distinct byte patterns: each stream comes
// back exact, nothing leaks across sessions.
func TestTunnelTwoSessionsInterleaved(t *testing.T) {
	echoPort := startEcho(t)
	ingressPort := freePort(t)
	startTunnel(t, []mapping.Entry{
		{LocalPort: ingressPort, RemoteHost: "127.0.0.1", RemotePort: echoPort, Description: "echo"},
	})

	const size = 1 << 20
	run := func(pattern byte, errs chan<- error) {
		c := dialIngress(t, ingressPort)
		defer c.Close()
		payload := bytes.Repeat([]byte{pattern}, size)
		go func() {
			_, _ = c.Write(payload)
		}()
		got := make([]byte, size)
		if _, err := io.ReadFull(c, got); err != nil {
			errs <- err
			return
		}
		for i, b := range got {
			if b != pattern {
				errs <- io.ErrUnexpectedEOF
				t.Errorf("pattern %#x corrupted at offset %d: got %#x", pattern, i, b)
				return
			}
		}
		errs <- nil
	}

	errs := make(chan error, 2)
	go run(0xAA, errs)
	go run(0xBB, errs)
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("session failed: %v", err)
			}
		case <-time.After(30 * time.Second):
			t.Fatal("session transfer timed out")
		}
	}
}

// A mapping to a dead target: the client socket closes promptly and the
// wire carries the Data then one Disconnect from egress.
func TestTunnelDialFailure(t *testing.T) {
	deadPort := freePort(t) // nothing listens here
	ingressPort := freePort(t)
	env := startTunnel(t, []mapping.Entry{
		{LocalPort: ingressPort, RemoteHost: "127.0.0.1", RemotePort: deadPort, Description: "dead"},
	})

	c := dialIngress(t, ingressPort)
	if _, err := c.Write([]byte{0x42}); err != nil {
		t.Fatalf("client write: %v", err)
	}
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	if _, err := c.Read(buf); err == nil {
		t.Fatal("client socket not closed after dial failure")
	}
	c.Close()

	waitFor(t, "tables empty", func() bool {
		return env.in.Table().Len() == 0 && env.eg.Table().Len() == 0
	})
	if n := env.inLink.count(frame.CmdData); n != 1 {
		t.Errorf("ingress sent %d Data frames, want 1", n)
	}
	waitFor(t, "egress disconnect", func() bool {
		return env.egLink.count(frame.CmdDisconnect) == 1
	})
}

// Peer-initiated shutdown: egress announces ProgramClose, ingress drains
// its clients and both sides exit 0.
func TestTunnelPeerProgramClose(t *testing.T) {
	echoPort := startEcho(t)
	ingressPort := freePort(t)
	env := startTunnel(t, []mapping.Entry{
		{LocalPort: ingressPort, RemoteHost: "127.0.0.1", RemotePort: echoPort, Description: "echo"},
	})

	c := dialIngress(t, ingressPort)
	if _, err := c.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	got := make([]byte, 4)
	if _, err := io.ReadFull(c, got); err != nil {
		t.Fatalf("client read: %v", err)
	}

	env.stopEg()

	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Read(got); err == nil {
		t.Fatal("client socket still open after peer shutdown")
	}
	c.Close()

	env.waitExit(t, env.egDone, "egress")
	if env.egCode != 0 {
		t.Errorf("egress exit = %d, want 0", env.egCode)
	}
	env.waitExit(t, env.inDone, "ingress")
	if env.inCode != 0 {
		t.Errorf("ingress exit = %d, want 0", env.inCode)
	}
	if env.inLink.count(frame.CmdProgramClose) != 0 || env.egLink.count(frame.CmdProgramClose) != 1 {
		t.Error("ProgramClose should be emitted once, by the initiating side only")
	}
	if env.in.Table().Len() != 0 || env.eg.Table().Len() != 0 {
		t.Error("tables not empty after shutdown")
	}
}

// An oversize data_len header is a fatal framing error: the victim exits
// non-zero after announcing ProgramClose.
func TestTunnelOversizeFrameFatal(t *testing.T) {
	uartA, uartB := net.Pipe()
	egLink := &sniffLink{ReadWriteCloser: uartB}
	eg := NewEgress(noopRegistry(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exit := make(chan int, 1)
	go func() { exit <- eg.Run(ctx, egLink) }()
	waitFor(t, "egress ready", func() bool { return eg.Ready() })

	// Consume whatever egress writes back so the pipe never stalls.
	var mu sync.Mutex
	var back frame.Framer
	var backFrames []frame.Frame
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := uartA.Read(buf)
			if n > 0 {
				mu.Lock()
				fs, _ := back.Push(buf[:n])
				backFrames = append(backFrames, fs...)
				mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	hdr := frame.NewDisconnect(frame.NewSessionID()).Encode()
	hdr[23] = 0xFF // data_len far over the ceiling
	if _, err := uartA.Write(hdr); err != nil {
		t.Fatalf("inject: %v", err)
	}

	select {
	case code := <-exit:
		if code == 0 {
			t.Error("exit = 0 after framing error, want non-zero")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("egress did not exit on framing error")
	}
	waitFor(t, "programclose on the wire", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, f := range backFrames {
			if f.Cmd == frame.CmdProgramClose {
				return true
			}
		}
		return false
	})
}

// Zero-length Data on an established session: no bytes reach the target,
// the session stays open.
func TestTunnelZeroLengthData(t *testing.T) {
	targetLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer targetLn.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := targetLn.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	uartA, uartB := net.Pipe()
	eg := NewEgress(noopRegistry(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exit := make(chan int, 1)
	go func() { exit <- eg.Run(ctx, uartB) }()
	waitFor(t, "egress ready", func() bool { return eg.Ready() })
	go func() { _, _ = io.Copy(io.Discard, uartA) }()

	id := frame.NewSessionID()
	port := uint16(targetLn.Addr().(*net.TCPAddr).Port)
	first := frame.NewData(id, [4]byte{127, 0, 0, 1}, port, []byte("hi"))
	if _, err := uartA.Write(first.Encode()); err != nil {
		t.Fatal(err)
	}

	var target net.Conn
	select {
	case target = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("egress never dialled the target")
	}
	defer target.Close()
	buf := make([]byte, 2)
	if _, err := io.ReadFull(target, buf); err != nil || string(buf) != "hi" {
		t.Fatalf("target read %q, %v", buf, err)
	}

	empty := frame.NewData(id, [4]byte{127, 0, 0, 1}, port, nil)
	if _, err := uartA.Write(empty.Encode()); err != nil {
		t.Fatal(err)
	}
	_ = target.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if n, err := target.Read(buf); err == nil {
		t.Fatalf("target saw %d unexpected bytes", n)
	}
	if _, ok := eg.Table().Get(id); !ok {
		t.Fatal("session gone after zero-length Data")
	}
}

// Frames for unknown IDs on the ingress side are dropped with a warning,
// and a stale Disconnect is a no-op.
func TestIngressUnknownSessionFrames(t *testing.T) {
	echoPort := startEcho(t)
	ingressPort := freePort(t)
	env := startTunnel(t, []mapping.Entry{
		{LocalPort: ingressPort, RemoteHost: "127.0.0.1", RemotePort: echoPort, Description: "echo"},
	})

	ghost := frame.NewSessionID()
	env.eg.handleFrame(frame.Frame{}) // exercise the unknown-cmd tolerance too
	env.in.handleFrame(frame.NewData(ghost, [4]byte{127, 0, 0, 1}, echoPort, []byte("lost")))
	env.in.handleFrame(frame.NewDisconnect(ghost))

	// The tunnel must still carry traffic afterwards.
	c := dialIngress(t, ingressPort)
	defer c.Close()
	if _, err := c.Write([]byte("ok")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 2)
	if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "ok" {
		t.Fatalf("echo after ghost frames: %q, %v", buf, err)
	}
}
