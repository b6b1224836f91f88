// Package socks5ingress is the client binary's local collaborator: a SOCKS5
// listener that turns CONNECT requests into pkg/tuic.Client.HandleTCP calls
// and UDP ASSOCIATE requests into pkg/tuic.Client.HandleUDP sessions.
//
// The CONNECT path is a thin, direct RFC1928 implementation rather than a
// wrap around things-go/go-socks5: that library's own UDP ASSOCIATE handling
// dials and relays real sockets internally, which would route UDP traffic
// around the TUIC tunnel instead of through it. Since one negotiated TCP
// connection carries either command, splitting the two between a library
// and hand-written code isn't possible without forking the library's
// Serve/ServeConn lifetime. Hand-rolling both commands against the RFC
// keeps UDP correctly tunneled and keeps the two code paths symmetric.
package socks5ingress

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/tuicmesh/tuicd/pkg/logger"
	"github.com/tuicmesh/tuicd/pkg/tuic"
	"github.com/tuicmesh/tuicd/pkg/udpsession"
	"github.com/tuicmesh/tuicd/pkg/wire"
)

const (
	socks5Version = 0x05

	methodNoAuth       = 0x00
	methodUserPass     = 0x02
	methodNoAcceptable = 0xFF

	userPassVersion = 0x01
	authSuccess     = 0x00
	authFailure     = 0x01

	cmdConnect   = 0x01
	cmdBind      = 0x02
	cmdAssociate = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replySucceeded           = 0x00
	replyGeneralFailure      = 0x01
	replyCommandNotSupported = 0x07
	replyAddressNotSupported = 0x08
)

// Config configures the SOCKS5 listener. Username and Password enable
// RFC1929 user/pass authentication when both are non-empty; otherwise the
// listener accepts no-auth clients only.
type Config struct {
	ListenAddr string
	Username   string
	Password   string
}

// Ingress is the running SOCKS5 listener.
type Ingress struct {
	config   Config
	client   *tuic.Client
	listener net.Listener

	wg      sync.WaitGroup
	closing atomic.Bool
}

// New builds an Ingress bound to config.ListenAddr. Relayed connections
// call through to client.
func New(config Config, client *tuic.Client) (*Ingress, error) {
	listener, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5ingress: listen %s: %w", config.ListenAddr, err)
	}

	return &Ingress{config: config, client: client, listener: listener}, nil
}

// Addr returns the listener's bound local address.
func (in *Ingress) Addr() net.Addr {
	return in.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (in *Ingress) Serve(ctx context.Context) error {
	for {
		conn, err := in.listener.Accept()
		if err != nil {
			if in.closing.Load() {
				return nil
			}
			return fmt.Errorf("socks5ingress: accept: %w", err)
		}

		in.wg.Add(1)
		go func() {
			defer in.wg.Done()
			in.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections and waits for in-flight ones to
// finish their current operation.
func (in *Ingress) Close() error {
	in.closing.Store(true)
	err := in.listener.Close()
	in.wg.Wait()
	return err
}

func (in *Ingress) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	requestID := xid.New().String()
	r := bufio.NewReader(conn)

	if err := in.negotiateAuth(r, conn); err != nil {
		logger.Warn("socks5 negotiation failed", "request_id", requestID, "err", err)
		return
	}

	cmd, target, err := readRequest(r)
	if err != nil {
		logger.Warn("socks5 request parse failed", "request_id", requestID, "err", err)
		writeReply(conn, replyGeneralFailure, wire.NewIPAddress(net.IPv4zero, 0))
		return
	}

	switch cmd {
	case cmdConnect:
		in.handleConnect(ctx, requestID, conn, target)
	case cmdAssociate:
		in.handleAssociate(ctx, requestID, conn, r)
	default:
		logger.Warn("socks5 command not supported", "request_id", requestID, "cmd", cmd)
		writeReply(conn, replyCommandNotSupported, wire.NewIPAddress(net.IPv4zero, 0))
	}
}

func (in *Ingress) negotiateAuth(r *bufio.Reader, w io.Writer) error {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if header[0] != socks5Version {
		return fmt.Errorf("unsupported socks version %d", header[0])
	}

	methods := make([]byte, header[1])
	if _, err := io.ReadFull(r, methods); err != nil {
		return fmt.Errorf("read methods: %w", err)
	}

	wantUserPass := in.config.Username != "" && in.config.Password != ""
	chosen := byte(methodNoAcceptable)
	for _, m := range methods {
		if wantUserPass && m == methodUserPass {
			chosen = methodUserPass
			break
		}
		if !wantUserPass && m == methodNoAuth {
			chosen = methodNoAuth
		}
	}

	if _, err := w.Write([]byte{socks5Version, chosen}); err != nil {
		return fmt.Errorf("write method choice: %w", err)
	}
	if chosen == methodNoAcceptable {
		return errors.New("no acceptable authentication method")
	}

	if chosen == methodUserPass {
		return in.negotiateUserPass(r, w)
	}
	return nil
}

func (in *Ingress) negotiateUserPass(r *bufio.Reader, w io.Writer) error {
	vheader := make([]byte, 2)
	if _, err := io.ReadFull(r, vheader); err != nil {
		return fmt.Errorf("read userpass header: %w", err)
	}
	uname := make([]byte, vheader[1])
	if _, err := io.ReadFull(r, uname); err != nil {
		return fmt.Errorf("read username: %w", err)
	}

	plen := make([]byte, 1)
	if _, err := io.ReadFull(r, plen); err != nil {
		return fmt.Errorf("read password length: %w", err)
	}
	passwd := make([]byte, plen[0])
	if _, err := io.ReadFull(r, passwd); err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	ok := string(uname) == in.config.Username && string(passwd) == in.config.Password
	status := byte(authSuccess)
	if !ok {
		status = authFailure
	}
	if _, err := w.Write([]byte{userPassVersion, status}); err != nil {
		return fmt.Errorf("write auth reply: %w", err)
	}
	if !ok {
		return errors.New("invalid credentials")
	}
	return nil
}

func readRequest(r *bufio.Reader) (cmd byte, target wire.Address, err error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, wire.Address{}, fmt.Errorf("read request header: %w", err)
	}
	if header[0] != socks5Version {
		return 0, wire.Address{}, fmt.Errorf("unsupported socks version %d", header[0])
	}

	addr, err := readSocks5Address(r, header[3])
	if err != nil {
		return 0, wire.Address{}, err
	}
	return header[1], addr, nil
}

func readSocks5Address(r io.Reader, atyp byte) (wire.Address, error) {
	switch atyp {
	case atypIPv4:
		buf := make([]byte, 4+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return wire.Address{}, err
		}
		return wire.NewIPAddress(net.IP(buf[:4]), binary.BigEndian.Uint16(buf[4:])), nil

	case atypIPv6:
		buf := make([]byte, 16+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return wire.Address{}, err
		}
		return wire.NewIPAddress(net.IP(buf[:16]), binary.BigEndian.Uint16(buf[16:])), nil

	case atypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return wire.Address{}, err
		}
		buf := make([]byte, int(lenBuf[0])+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return wire.Address{}, err
		}
		name := string(buf[:lenBuf[0]])
		port := binary.BigEndian.Uint16(buf[lenBuf[0]:])
		return wire.NewDomainAddress(name, port), nil

	default:
		return wire.Address{}, fmt.Errorf("unsupported address type %d", atyp)
	}
}

func writeReply(w io.Writer, rep byte, bound wire.Address) error {
	var atyp byte
	var addrBytes []byte
	switch bound.Type {
	case wire.AddrIPv4:
		atyp = atypIPv4
		addrBytes = bound.IP.To4()
	case wire.AddrIPv6:
		atyp = atypIPv6
		addrBytes = bound.IP.To16()
	default:
		atyp = atypIPv4
		addrBytes = net.IPv4zero.To4()
	}

	buf := make([]byte, 0, 4+len(addrBytes)+2)
	buf = append(buf, socks5Version, rep, 0x00, atyp)
	buf = append(buf, addrBytes...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], bound.Port)
	buf = append(buf, portBuf[:]...)

	_, err := w.Write(buf)
	return err
}

func (in *Ingress) handleConnect(ctx context.Context, requestID string, conn net.Conn, target wire.Address) {
	if err := writeReply(conn, replySucceeded, wire.NewIPAddress(net.IPv4zero, 0)); err != nil {
		logger.Warn("socks5 connect reply failed", "request_id", requestID, "err", err)
		return
	}

	logger.Info("socks5 connect", "request_id", requestID, "target", target.String())
	if err := in.client.HandleTCP(ctx, requestID, target, conn); err != nil {
		logger.Warn("tuic tcp relay failed", "request_id", requestID, "target", target.String(), "err", err)
	}
}

func (in *Ingress) handleAssociate(ctx context.Context, requestID string, control net.Conn, r *bufio.Reader) {
	relayConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		logger.Warn("socks5 associate bind failed", "request_id", requestID, "err", err)
		writeReply(control, replyGeneralFailure, wire.NewIPAddress(net.IPv4zero, 0))
		return
	}

	local := newAssociateSocket(relayConn)

	bound := relayConn.LocalAddr().(*net.UDPAddr)
	boundIP := bound.IP
	if boundIP == nil || boundIP.To4() == nil && boundIP.To16() == nil {
		boundIP = net.IPv4zero
	}
	boundAddr := wire.NewIPAddress(boundIP, uint16(bound.Port))

	if err := writeReply(control, replySucceeded, boundAddr); err != nil {
		logger.Warn("socks5 associate reply failed", "request_id", requestID, "err", err)
		local.Close()
		return
	}

	sess := in.client.HandleUDP(local)
	logger.Info("socks5 udp associate started", "request_id", requestID, "assoc_id", sess.AssocID, "relay_addr", relayConn.LocalAddr())

	// The control connection's lifetime governs the association: RFC1928
	// says the UDP relay ends when this TCP connection closes. We only
	// need to detect that, so read-and-discard until EOF.
	io.Copy(io.Discard, r)
	sess.Close(udpsession.ReasonCancelled)
	local.Close()
	logger.Info("socks5 udp associate ended", "request_id", requestID, "assoc_id", sess.AssocID)
}

// associateSocket is the udpsession.LocalSocket for one UDP ASSOCIATE: it
// strips/adds the RFC1928 UDP request header around the packets TUIC
// relays, and remembers the client's source address to deliver replies.
type associateSocket struct {
	conn *net.UDPConn

	mu         sync.Mutex
	clientAddr *net.UDPAddr
}

func newAssociateSocket(conn *net.UDPConn) *associateSocket {
	return &associateSocket{conn: conn}
}

func (a *associateSocket) RecvFrom(buf []byte) (int, net.Addr, int, error) {
	raw := make([]byte, 1<<16)
	for {
		n, sender, err := a.conn.ReadFromUDP(raw)
		if err != nil {
			return 0, nil, 0, err
		}

		target, payload, err := parseUDPRequest(raw[:n])
		if err != nil {
			logger.Warn("dropping malformed socks5 udp datagram", "err", err)
			continue
		}

		a.mu.Lock()
		a.clientAddr = sender
		a.mu.Unlock()

		copied := copy(buf, payload)
		addr := &net.UDPAddr{IP: target.IP, Port: int(target.Port)}
		if target.Type == wire.AddrDomain {
			resolved, err := net.ResolveUDPAddr("udp", target.String())
			if err != nil {
				logger.Warn("socks5 udp target domain did not resolve", "domain", target.Domain, "err", err)
				continue
			}
			addr = resolved
		}
		return copied, addr, 0, nil
	}
}

func (a *associateSocket) SendTo(payload []byte, addr net.Addr) (int, error) {
	a.mu.Lock()
	client := a.clientAddr
	a.mu.Unlock()
	if client == nil {
		return 0, errors.New("socks5ingress: no udp client known yet")
	}

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, fmt.Errorf("socks5ingress: unexpected source address type %T", addr)
	}

	datagram := encodeUDPReply(udpAddr, payload)
	return a.conn.WriteToUDP(datagram, client)
}

func (a *associateSocket) Close() error {
	return a.conn.Close()
}

// parseUDPRequest strips the RFC1928 UDP request header (RSV[2] FRAG[1]
// ATYP[1] DST.ADDR DST.PORT) from a SOCKS5 UDP datagram, returning the
// embedded target and the remaining payload. Fragmentation (FRAG != 0) is
// not supported: such datagrams are rejected.
func parseUDPRequest(buf []byte) (wire.Address, []byte, error) {
	if len(buf) < 4 {
		return wire.Address{}, nil, errors.New("datagram shorter than udp request header")
	}
	if buf[2] != 0 {
		return wire.Address{}, nil, errors.New("fragmented socks5 udp datagrams are not supported")
	}

	r := &byteReader{buf: buf[3:]}
	atyp, err := r.readByte()
	if err != nil {
		return wire.Address{}, nil, err
	}

	addr, err := readSocks5Address(r, atyp)
	if err != nil {
		return wire.Address{}, nil, err
	}
	// 3 leading bytes (RSV+FRAG) plus whatever byteReader consumed (the
	// ATYP byte and the address/port that followed it).
	return addr, buf[3+r.consumed:], nil
}

// byteReader is a minimal io.Reader over a byte slice that tracks how many
// bytes readSocks5Address has consumed, so parseUDPRequest can locate the
// payload that follows the address.
type byteReader struct {
	buf      []byte
	consumed int
}

func (b *byteReader) Read(p []byte) (int, error) {
	n := copy(p, b.buf[b.consumed:])
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	b.consumed += n
	return n, nil
}

func (b *byteReader) readByte() (byte, error) {
	if b.consumed >= len(b.buf) {
		return 0, io.EOF
	}
	v := b.buf[b.consumed]
	b.consumed++
	return v, nil
}

func encodeUDPReply(from *net.UDPAddr, payload []byte) []byte {
	var atyp byte
	var addrBytes []byte
	if ip4 := from.IP.To4(); ip4 != nil {
		atyp = atypIPv4
		addrBytes = ip4
	} else {
		atyp = atypIPv6
		addrBytes = from.IP.To16()
	}

	buf := make([]byte, 0, 4+len(addrBytes)+2+len(payload))
	buf = append(buf, 0x00, 0x00, 0x00, atyp)
	buf = append(buf, addrBytes...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(from.Port))
	buf = append(buf, portBuf[:]...)
	return append(buf, payload...)
}
