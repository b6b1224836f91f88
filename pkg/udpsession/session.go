package udpsession

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tuicmesh/tuicd/pkg/logger"
	"github.com/tuicmesh/tuicd/pkg/wire"
)

// channelCapacity bounds the outbound and inbound queues: a full channel
// applies backpressure to the local-read loop rather than letting memory
// grow without bound.
const channelCapacity = 128

// fallbackMaxDatagramSize is used when the QUIC connection has not yet
// advertised a max_datagram_size.
const fallbackMaxDatagramSize = 1200

// defaultCleanupInterval controls how often the FragmentBuffer is swept for
// expired entries; Process itself only evicts the oldest entry when the
// buffer is full.
const defaultCleanupInterval = 10 * time.Second

// State is a UdpSession's lifecycle stage.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateClosing
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// CloseReason explains why a Session is ending, so it knows whether to
// emit a Dissociate frame on its way out.
type CloseReason int

const (
	// ReasonDissociateReceived means the peer itself sent Dissociate;
	// echoing one back would be redundant.
	ReasonDissociateReceived CloseReason = iota
	// ReasonConnectionClosed means the underlying QUIC connection ended.
	ReasonConnectionClosed
	// ReasonCancelled means the application tore the session down locally.
	ReasonCancelled
)

// LocalSocket is the ingress-side capability a Session drives: the local
// UDP listener a SOCKS5 client talks to, or the direct UDP egress socket on
// a server.
type LocalSocket interface {
	// RecvFrom reads one receive operation into buf, returning the byte
	// count, the peer/target address, and the GRO segment stride (0 if
	// the receive was not GRO-coalesced).
	RecvFrom(buf []byte) (n int, addr net.Addr, stride int, err error)
	SendTo(payload []byte, addr net.Addr) (int, error)
	Close() error
}

// RemoteDatagram is the egress-side capability: the shared QUIC connection
// a Session sends framed datagrams over.
type RemoteDatagram interface {
	SendDatagram(data []byte) error
	// MaxDatagramSize returns the connection's current advertised limit,
	// or 0 if it is not yet known.
	MaxDatagramSize() int
}

// Session is one TUIC UDP association: fragmentation and send on the
// outbound path, reassembly and local delivery on the inbound path.
type Session struct {
	AssocID      uint16
	clientSide   bool
	local        LocalSocket
	remote       RemoteDatagram
	onDissociate func(assocID uint16)

	fragments *FragmentBuffer
	nextPktID uint32

	outbound chan Packet
	inbound  chan Packet

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// NewSession constructs a Session in state Idle. clientSide marks a
// session running on the client: only client-side sessions emit a
// Dissociate frame when they terminate for a reason other than having
// received one, since Dissociate flows client to server. onDissociate may
// be nil when the session has no uni-stream collaborator to notify (for
// example, in tests).
func NewSession(assocID uint16, clientSide bool, local LocalSocket, remote RemoteDatagram, onDissociate func(uint16)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		AssocID:      assocID,
		clientSide:   clientSide,
		local:        local,
		remote:       remote,
		onDissociate: onDissociate,
		fragments:    NewFragmentBuffer(),
		outbound:     make(chan Packet, channelCapacity),
		inbound:      make(chan Packet, channelCapacity),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.state.Store(int32(StateIdle))
	return s
}

// State returns the session's current lifecycle stage.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) markActive() {
	s.state.CompareAndSwap(int32(StateIdle), int32(StateActive))
}

// Start launches the session's background loops. Call once.
func (s *Session) Start() {
	s.wg.Add(4)
	go s.localReadLoop()
	go s.sendLoop()
	go s.localWriteLoop()
	go s.cleanupLoop()
}

// ProcessFragment is the dispatcher's entry point for an inbound Packet
// command addressed to this association.
func (s *Session) ProcessFragment(pktID uint16, fragTotal, fragID uint8, payload []byte, source *wire.Address, target wire.Address) {
	pkt := s.fragments.Process(FragmentKey{AssocID: s.AssocID, PktID: pktID}, fragTotal, fragID, payload, source, target)
	if pkt == nil {
		return
	}

	s.markActive()
	select {
	case s.inbound <- *pkt:
	case <-s.ctx.Done():
	}
}

// Close begins an orderly shutdown: in-flight loop work drains, then the
// session reaches Terminated and, if warranted by reason, notifies
// onDissociate. Safe to call more than once and from multiple goroutines.
func (s *Session) Close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		s.cancel()

		go func() {
			// Closing the local socket unblocks localReadLoop's RecvFrom.
			s.local.Close()
			s.wg.Wait()
			s.state.Store(int32(StateTerminated))

			if s.clientSide && reason != ReasonDissociateReceived && s.onDissociate != nil {
				s.onDissociate(s.AssocID)
			}
		}()
	})
}

func (s *Session) localReadLoop() {
	defer s.wg.Done()

	buf := make([]byte, 1<<16)
	for {
		n, addr, stride, err := s.local.RecvFrom(buf)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			logger.Warn("local udp read error", "assoc_id", s.AssocID, "err", err)
			return
		}

		s.markActive()

		target, err := addressFromNetAddr(addr)
		if err != nil {
			logger.Warn("unroutable local udp source address", "assoc_id", s.AssocID, "err", err)
			continue
		}

		for _, segment := range splitGRO(buf, n, stride) {
			pkt := Packet{Target: target, Payload: append([]byte(nil), segment...)}
			select {
			case s.outbound <- pkt:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *Session) sendLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case pkt := <-s.outbound:
			if err := s.sendPacket(pkt); err != nil {
				logger.Error("udp outbound send failed", "assoc_id", s.AssocID, "err", err)
			}
		}
	}
}

func (s *Session) sendPacket(pkt Packet) error {
	maxDatagramSize := s.remote.MaxDatagramSize()
	if maxDatagramSize <= 0 {
		maxDatagramSize = fallbackMaxDatagramSize
	}

	datagrams, err := buildDatagrams(s.AssocID, s.allocPktID(), pkt.Target, pkt.Payload, maxDatagramSize)
	if err != nil {
		return err
	}

	for _, dgram := range datagrams {
		if err := s.remote.SendDatagram(dgram); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) allocPktID() uint16 {
	return uint16(atomic.AddUint32(&s.nextPktID, 1) - 1)
}

func (s *Session) localWriteLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case pkt := <-s.inbound:
			s.markActive()

			if pkt.Target.Type == wire.AddrDomain {
				logger.Warn("dropping inbound udp packet addressed by domain name", "assoc_id", s.AssocID, "domain", pkt.Target.Domain)
				continue
			}

			addr := &net.UDPAddr{IP: pkt.Target.IP, Port: int(pkt.Target.Port)}
			if _, err := s.local.SendTo(pkt.Payload, addr); err != nil {
				logger.Warn("local udp write failed", "assoc_id", s.AssocID, "err", err)
			}
		}
	}
}

func (s *Session) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(defaultCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.fragments.Cleanup(now)
		}
	}
}

// buildDatagrams frames payload as one or more Packet datagrams sharing
// pktID, splitting it when it does not fit within one QUIC datagram at
// maxDatagramSize.
func buildDatagrams(assocID, pktID uint16, target wire.Address, payload []byte, maxDatagramSize int) ([][]byte, error) {
	headerOverhead := wire.HeaderSize + wire.PacketHeaderSize + target.Size()

	if len(payload) <= maxDatagramSize-headerOverhead {
		frame, err := wire.EncodePacket(assocID, pktID, 1, 0, target, payload)
		if err != nil {
			return nil, err
		}
		return [][]byte{frame}, nil
	}

	maxFragmentSize := maxDatagramSize - headerOverhead
	if maxFragmentSize <= 0 {
		return nil, fmt.Errorf("udpsession: max_datagram_size %d too small for header overhead %d", maxDatagramSize, headerOverhead)
	}

	fragmentCount := (len(payload) + maxFragmentSize - 1) / maxFragmentSize
	if fragmentCount > 255 {
		return nil, &wire.PacketTooLargeError{Fragments: fragmentCount}
	}

	datagrams := make([][]byte, 0, fragmentCount)
	for fragID := 0; fragID < fragmentCount; fragID++ {
		start := fragID * maxFragmentSize
		end := start + maxFragmentSize
		if end > len(payload) {
			end = len(payload)
		}

		addr := target
		if fragID != 0 {
			addr = wire.NoneAddress
		}

		frame, err := wire.EncodePacket(assocID, pktID, uint8(fragmentCount), uint8(fragID), addr, payload[start:end])
		if err != nil {
			return nil, err
		}
		datagrams = append(datagrams, frame)
	}

	return datagrams, nil
}

// addressFromNetAddr converts a net.Addr observed on a local UDP socket
// into a wire.Address target.
func addressFromNetAddr(addr net.Addr) (wire.Address, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		host, portStr, err := net.SplitHostPort(addr.String())
		if err != nil {
			return wire.Address{}, fmt.Errorf("udpsession: cannot parse address %q: %w", addr.String(), err)
		}
		ip := net.ParseIP(host)
		if ip == nil {
			return wire.Address{}, fmt.Errorf("udpsession: address %q has no parseable ip", addr.String())
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return wire.Address{}, fmt.Errorf("udpsession: address %q has no parseable port: %w", addr.String(), err)
		}
		return wire.NewIPAddress(ip, uint16(port)), nil
	}
	return wire.NewIPAddress(udpAddr.IP, uint16(udpAddr.Port)), nil
}
