package udpsession

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuicmesh/tuicd/pkg/wire"
)

func TestBuildDatagramsSingleDatagram(t *testing.T) {
	target := wire.NewIPAddress(net.ParseIP("192.168.1.1"), 8080)
	payload := make([]byte, 1000)

	datagrams, err := buildDatagrams(1, 42, target, payload, 1200)
	require.NoError(t, err)
	require.Len(t, datagrams, 1)

	frame, n, err := wire.DecodeFrame(datagrams[0])
	require.NoError(t, err)
	assert.Equal(t, wire.CmdPacket, frame.Header.Command)
	assert.EqualValues(t, 1, frame.Command.FragTotal)
	assert.EqualValues(t, 0, frame.Command.FragID)
	assert.EqualValues(t, 1000, frame.Command.Size)
	assert.Equal(t, len(datagrams[0])-n, len(payload))
}

func TestBuildDatagramsFragments(t *testing.T) {
	target := wire.NewIPAddress(net.ParseIP("192.168.1.1"), 8080)
	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i)
	}

	datagrams, err := buildDatagrams(1, 42, target, payload, 1200)
	require.NoError(t, err)
	require.Len(t, datagrams, 2)

	frame0, n0, err := wire.DecodeFrame(datagrams[0])
	require.NoError(t, err)
	assert.EqualValues(t, 2, frame0.Command.FragTotal)
	assert.EqualValues(t, 0, frame0.Command.FragID)
	assert.Equal(t, wire.AddrIPv4, frame0.Addr.Type)
	assert.Len(t, datagrams[0][n0:], 1183)

	frame1, n1, err := wire.DecodeFrame(datagrams[1])
	require.NoError(t, err)
	assert.EqualValues(t, 2, frame1.Command.FragTotal)
	assert.EqualValues(t, 1, frame1.Command.FragID)
	assert.Equal(t, wire.AddrNone, frame1.Addr.Type)
	assert.Len(t, datagrams[1][n1:], 817)

	reassembled := append(append([]byte{}, datagrams[0][n0:]...), datagrams[1][n1:]...)
	assert.Equal(t, payload, reassembled)
}

func TestBuildDatagramsTooManyFragments(t *testing.T) {
	target := wire.NewIPAddress(net.ParseIP("192.168.1.1"), 8080)
	payload := make([]byte, 255*1183+1)

	_, err := buildDatagrams(1, 1, target, payload, 1200)
	var tooLarge *wire.PacketTooLargeError
	require.ErrorAs(t, err, &tooLarge)
}

func TestFragmentBufferOutOfOrderReassembly(t *testing.T) {
	buf := NewFragmentBuffer()
	key := FragmentKey{AssocID: 1, PktID: 300}
	target := wire.NewIPAddress(net.ParseIP("10.0.0.1"), 53)

	assert.Nil(t, buf.Process(key, 3, 2, []byte("C"), nil, target))
	assert.Nil(t, buf.Process(key, 3, 0, []byte("A"), nil, target))

	pkt := buf.Process(key, 3, 1, []byte("B"), nil, target)
	require.NotNil(t, pkt)
	assert.Equal(t, []byte("ABC"), pkt.Payload)
	assert.Equal(t, target, pkt.Target)
}

func TestFragmentBufferDuplicateFragmentIdempotent(t *testing.T) {
	buf := NewFragmentBuffer()
	key := FragmentKey{AssocID: 1, PktID: 1}
	target := wire.NewIPAddress(net.ParseIP("10.0.0.1"), 53)

	assert.Nil(t, buf.Process(key, 2, 0, []byte("A"), nil, target))
	assert.Nil(t, buf.Process(key, 2, 0, []byte("A"), nil, target))

	pkt := buf.Process(key, 2, 1, []byte("B"), nil, target)
	require.NotNil(t, pkt)
	assert.Equal(t, []byte("AB"), pkt.Payload)
}

func TestFragmentBufferSinglePacketBypassesBuffer(t *testing.T) {
	buf := NewFragmentBuffer()
	target := wire.NewIPAddress(net.ParseIP("10.0.0.1"), 53)

	pkt := buf.Process(FragmentKey{AssocID: 1, PktID: 1}, 1, 0, []byte("hello"), nil, target)
	require.NotNil(t, pkt)
	assert.Equal(t, []byte("hello"), pkt.Payload)
	assert.Empty(t, buf.entries)
}

func TestFragmentBufferInconsistentFragTotalDrops(t *testing.T) {
	buf := NewFragmentBuffer()
	key := FragmentKey{AssocID: 1, PktID: 1}
	target := wire.NewIPAddress(net.ParseIP("10.0.0.1"), 53)

	assert.Nil(t, buf.Process(key, 3, 0, []byte("A"), nil, target))
	assert.Nil(t, buf.Process(key, 5, 1, []byte("B"), nil, target))

	_, ok := buf.entries[key]
	assert.False(t, ok)
}

func TestFragmentBufferFragIDExceedsTotalDrops(t *testing.T) {
	buf := NewFragmentBuffer()
	key := FragmentKey{AssocID: 1, PktID: 1}
	target := wire.NewIPAddress(net.ParseIP("10.0.0.1"), 53)

	assert.Nil(t, buf.Process(key, 2, 2, []byte("A"), nil, target))
	_, ok := buf.entries[key]
	assert.False(t, ok)
}

func TestFragmentBufferExpiry(t *testing.T) {
	buf := NewFragmentBuffer()
	key := FragmentKey{AssocID: 1, PktID: 1}
	target := wire.NewIPAddress(net.ParseIP("10.0.0.1"), 53)

	assert.Nil(t, buf.Process(key, 2, 0, []byte("A"), nil, target))
	require.Len(t, buf.entries, 1)

	buf.Cleanup(time.Now().Add(fragmentTTL + time.Second))
	assert.Empty(t, buf.entries)
}

func TestSplitGRONoStride(t *testing.T) {
	buf := []byte("hello world")
	segments := splitGRO(buf, len(buf), 0)
	require.Len(t, segments, 1)
	assert.Equal(t, buf, segments[0])
}

func TestSplitGROMultipleSegments(t *testing.T) {
	buf := []byte("AAAABBBBCC")
	segments := splitGRO(buf, len(buf), 4)
	require.Len(t, segments, 3)
	assert.Equal(t, "AAAA", string(segments[0]))
	assert.Equal(t, "BBBB", string(segments[1]))
	assert.Equal(t, "CC", string(segments[2]))
}

type fakeLocalSocket struct {
	recvCh chan fakeRecv
	sentMu sync.Mutex
	sent   []Packet
	closed chan struct{}
}

type fakeRecv struct {
	data   []byte
	addr   net.Addr
	stride int
}

func newFakeLocalSocket() *fakeLocalSocket {
	return &fakeLocalSocket{recvCh: make(chan fakeRecv, 8), closed: make(chan struct{})}
}

func (f *fakeLocalSocket) RecvFrom(buf []byte) (int, net.Addr, int, error) {
	select {
	case r := <-f.recvCh:
		n := copy(buf, r.data)
		return n, r.addr, r.stride, nil
	case <-f.closed:
		return 0, nil, 0, net.ErrClosed
	}
}

func (f *fakeLocalSocket) SendTo(payload []byte, addr net.Addr) (int, error) {
	f.sentMu.Lock()
	defer f.sentMu.Unlock()
	f.sent = append(f.sent, Packet{Payload: append([]byte(nil), payload...)})
	return len(payload), nil
}

func (f *fakeLocalSocket) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

type fakeRemote struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeRemote) SendDatagram(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeRemote) MaxDatagramSize() int { return 1200 }

func TestSessionOutboundPathSendsDatagram(t *testing.T) {
	local := newFakeLocalSocket()
	remote := &fakeRemote{}
	sess := NewSession(7, true, local, remote, nil)
	sess.Start()
	defer sess.Close(ReasonCancelled)

	local.recvCh <- fakeRecv{data: []byte("hello"), addr: &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 53}}

	require.Eventually(t, func() bool {
		remote.mu.Lock()
		defer remote.mu.Unlock()
		return len(remote.sent) == 1
	}, time.Second, 5*time.Millisecond)

	remote.mu.Lock()
	frame, n, err := wire.DecodeFrame(remote.sent[0])
	remote.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, wire.CmdPacket, frame.Header.Command)
	assert.Equal(t, []byte("hello"), remote.sent[0][n:])
}

func TestSessionInboundPathDeliversToLocalSocket(t *testing.T) {
	local := newFakeLocalSocket()
	remote := &fakeRemote{}
	sess := NewSession(7, false, local, remote, nil)
	sess.Start()
	defer sess.Close(ReasonCancelled)

	target := wire.NewIPAddress(net.ParseIP("5.6.7.8"), 9999)
	sess.ProcessFragment(1, 1, 0, []byte("world"), nil, target)

	require.Eventually(t, func() bool {
		local.sentMu.Lock()
		defer local.sentMu.Unlock()
		return len(local.sent) == 1
	}, time.Second, 5*time.Millisecond)

	local.sentMu.Lock()
	assert.Equal(t, []byte("world"), local.sent[0].Payload)
	local.sentMu.Unlock()
}

func TestSessionDomainTargetInboundIsDropped(t *testing.T) {
	local := newFakeLocalSocket()
	remote := &fakeRemote{}
	sess := NewSession(7, false, local, remote, nil)
	sess.Start()
	defer sess.Close(ReasonCancelled)

	sess.ProcessFragment(1, 1, 0, []byte("x"), nil, wire.NewDomainAddress("example.com", 80))

	time.Sleep(20 * time.Millisecond)
	local.sentMu.Lock()
	assert.Empty(t, local.sent)
	local.sentMu.Unlock()
}

func TestSessionCloseNotifiesDissociateOnClientSide(t *testing.T) {
	var notified []uint16
	var mu sync.Mutex

	local := newFakeLocalSocket()
	remote := &fakeRemote{}
	sess := NewSession(9, true, local, remote, func(id uint16) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, id)
	})
	sess.Start()
	sess.Close(ReasonConnectionClosed)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notified) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestSessionCloseSkipsDissociateWhenPeerSentIt(t *testing.T) {
	var notified int
	var mu sync.Mutex

	local := newFakeLocalSocket()
	remote := &fakeRemote{}
	sess := NewSession(9, true, local, remote, func(id uint16) {
		mu.Lock()
		defer mu.Unlock()
		notified++
	})
	sess.Start()
	sess.Close(ReasonDissociateReceived)

	require.Eventually(t, func() bool {
		return sess.State() == StateTerminated
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, notified)
}
