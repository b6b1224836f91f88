package dispatcher

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuicmesh/tuicd/pkg/credential"
	"github.com/tuicmesh/tuicd/pkg/tuicauth"
	"github.com/tuicmesh/tuicd/pkg/udpsession"
	"github.com/tuicmesh/tuicd/pkg/wire"
)

// fakeConn is a Connection whose three accept/receive sources are each fed
// by a channel, so a test can hand it exactly the frames it wants to drive
// through the dispatcher's event loop.
type fakeConn struct {
	uni   chan io.Reader
	bi    chan Stream
	dgram chan []byte

	mu         sync.Mutex
	sentDgrams [][]byte
	closedCode uint64
	closedErr  string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		uni:   make(chan io.Reader, 8),
		bi:    make(chan Stream, 8),
		dgram: make(chan []byte, 8),
	}
}

func (f *fakeConn) AcceptUniStream(ctx context.Context) (io.Reader, error) {
	select {
	case r, ok := <-f.uni:
		if !ok {
			return nil, io.EOF
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s, ok := <-f.bi:
		if !ok {
			return nil, io.EOF
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) OpenUniStream() (io.WriteCloser, error) {
	return nopWriteCloser{&bytes.Buffer{}}, nil
}

func (f *fakeConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case d, ok := <-f.dgram:
		if !ok {
			return nil, io.EOF
		}
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) SendDatagram(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentDgrams = append(f.sentDgrams, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) MaxDatagramSize() int { return 1200 }

func (f *fakeConn) ConnectionState() tls.ConnectionState { return tls.ConnectionState{} }

func (f *fakeConn) RemoteAddr() string { return "198.51.100.1:1234" }

func (f *fakeConn) CloseWithError(code uint64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedCode = code
	f.closedErr = reason
	return nil
}

func (f *fakeConn) heartbeatsSent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sentDgrams)
}

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

// fakeStream is a Stream backed by an in-memory buffer, used as a bi
// stream's contents in tests that don't need a real QUIC stream.
type fakeStream struct {
	*bytes.Reader
	mu     sync.Mutex
	closed bool
}

func newFakeStream(data []byte) *fakeStream {
	return &fakeStream{Reader: bytes.NewReader(data)}
}

func (s *fakeStream) Write(p []byte) (int, error) { return len(p), nil }

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeLocalSocket is a udpsession.LocalSocket whose RecvFrom blocks until
// the socket is closed, and records every SendTo call.
type fakeLocalSocket struct {
	closed chan struct{}

	mu  sync.Mutex
	out []net.Addr
}

func newFakeLocalSocket() *fakeLocalSocket {
	return &fakeLocalSocket{closed: make(chan struct{})}
}

func (s *fakeLocalSocket) RecvFrom([]byte) (int, net.Addr, int, error) {
	<-s.closed
	return 0, nil, 0, io.EOF
}

func (s *fakeLocalSocket) SendTo(payload []byte, addr net.Addr) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, addr)
	return len(payload), nil
}

func (s *fakeLocalSocket) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	return nil
}

func TestDispatcherRoutesConnectToTCPHandler(t *testing.T) {
	conn := newFakeConn()

	target := wire.NewDomainAddress("example.com", 443)
	prefix, err := wire.EncodeConnect(target)
	require.NoError(t, err)
	stream := newFakeStream(prefix)

	handled := make(chan wire.Address, 1)
	d := New(conn, Config{
		TCPHandler: func(ctx context.Context, addr wire.Address, s Stream) {
			handled <- addr
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	conn.bi <- stream

	select {
	case addr := <-handled:
		require.Equal(t, target, addr)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TCPHandler")
	}

	cancel()
	<-done
}

func TestDispatcherClosesBiStreamWhenNoHandlerConfigured(t *testing.T) {
	conn := newFakeConn()
	prefix, err := wire.EncodeConnect(wire.NewIPAddress(net.IPv4(1, 2, 3, 4), 80))
	require.NoError(t, err)
	stream := newFakeStream(prefix)

	d := New(conn, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	conn.bi <- stream

	require.Eventually(t, stream.isClosed, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestDispatcherHeartbeatWithoutAuthenticator(t *testing.T) {
	conn := newFakeConn()
	d := New(conn, Config{HeartbeatInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return conn.heartbeatsSent() > 0 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestDispatcherHeartbeatNeverSentByServer(t *testing.T) {
	conn := newFakeConn()
	manager, err := credential.NewManager(nil)
	require.NoError(t, err)

	d := New(conn, Config{
		Authenticator:     tuicauth.NewAuthenticator(manager, nil),
		HeartbeatInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, conn.heartbeatsSent())

	cancel()
	<-done
}

func TestDispatcherDropsPacketAndDissociateBeforeAuthentication(t *testing.T) {
	conn := newFakeConn()
	local := newFakeLocalSocket()
	manager, err := credential.NewManager(nil)
	require.NoError(t, err)

	var newSessionCalls int
	d := New(conn, Config{
		Authenticator: tuicauth.NewAuthenticator(manager, nil),
		NewSession: func(assocID uint16) (*udpsession.Session, bool) {
			newSessionCalls++
			return udpsession.NewSession(assocID, false, local, conn, nil), true
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	datagram, err := wire.EncodePacket(7, 1, 1, 0, wire.NewIPAddress(net.IPv4(8, 8, 8, 8), 53), []byte("hello"))
	require.NoError(t, err)
	conn.dgram <- datagram

	dissociate := wire.EncodeDissociate(7)
	conn.uni <- bytes.NewReader(dissociate)

	// Neither command is Auth, and the dispatcher was never authenticated,
	// so both must be dropped rather than acted on.
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, 0, newSessionCalls)

	cancel()
	<-done
}

func TestDispatcherCreatesSessionOnFirstPacketAndDissociateTearsItDown(t *testing.T) {
	conn := newFakeConn()
	local := newFakeLocalSocket()

	var newSessionCalls int
	d := New(conn, Config{
		NewSession: func(assocID uint16) (*udpsession.Session, bool) {
			newSessionCalls++
			return udpsession.NewSession(assocID, false, local, conn, nil), true
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	payload := []byte("hello")
	datagram, err := wire.EncodePacket(7, 1, 1, 0, wire.NewIPAddress(net.IPv4(8, 8, 8, 8), 53), payload)
	require.NoError(t, err)
	conn.dgram <- datagram

	require.Eventually(t, func() bool { return newSessionCalls == 1 }, time.Second, 5*time.Millisecond)

	// A second packet on the same association must not create another session.
	conn.dgram <- datagram
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, newSessionCalls)

	dissociate := wire.EncodeDissociate(7)
	conn.uni <- bytes.NewReader(dissociate)

	require.Eventually(t, func() bool {
		select {
		case <-local.closed:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
