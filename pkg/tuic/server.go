package tuic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/xid"

	"github.com/tuicmesh/tuicd/pkg/bridge"
	"github.com/tuicmesh/tuicd/pkg/dispatcher"
	"github.com/tuicmesh/tuicd/pkg/logger"
	"github.com/tuicmesh/tuicd/pkg/tuicauth"
	"github.com/tuicmesh/tuicd/pkg/udpsession"
	"github.com/tuicmesh/tuicd/pkg/wire"
)

// ServerConfig configures a Server's listener, TLS material, and per-
// connection policy. The egress itself is always direct (net.Dial /
// net.ListenUDP): spec.md §6 assigns TUIC's server-side egress to the
// transport core, unlike the client side, whose ingress is a separate
// SOCKS5 collaborator (pkg/socks5ingress).
type ServerConfig struct {
	ListenAddr    string
	TLSConfig     *tls.Config
	Authenticator *tuicauth.Authenticator
	AuthTimeout   time.Duration
	ZeroRTT       bool
	// DialTimeout bounds an egress TCP dial before the stream is closed
	// with an error.
	DialTimeout time.Duration
}

// Server accepts QUIC connections implementing the TUIC server role:
// direct TCP dial and direct UDP socket egress for whatever a validated
// peer requests.
type Server struct {
	config   ServerConfig
	listener *quic.Listener

	mu      sync.Mutex
	conns   map[string]*dispatcher.Dispatcher
	closing bool
}

// NewServer builds a Server bound to config.ListenAddr. The UDP socket and
// QUIC listener are created immediately so the caller can observe a bind
// failure before calling Serve.
func NewServer(config ServerConfig) (*Server, error) {
	if config.TLSConfig == nil {
		return nil, fmt.Errorf("tuic: server requires a tls config")
	}
	if config.Authenticator == nil {
		return nil, fmt.Errorf("tuic: server requires an authenticator")
	}

	tlsConfig := config.TLSConfig.Clone()
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{ALPN}
	}
	tlsConfig.MinVersion = tls.VersionTLS13

	quicConfig := baseQUICConfig()
	quicConfig.Allow0RTT = config.ZeroRTT

	listener, err := quic.ListenAddr(config.ListenAddr, tlsConfig, quicConfig)
	if err != nil {
		return nil, fmt.Errorf("tuic: listen %s: %w", config.ListenAddr, err)
	}

	return &Server{
		config:   config,
		listener: listener,
		conns:    make(map[string]*dispatcher.Dispatcher),
	}, nil
}

// Addr returns the server's bound local address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("tuic: accept: %w", err)
		}

		connID := xid.New().String()
		go s.serveConn(ctx, connID, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, connID string, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()
	logger.Info("accepted connection", "conn_id", connID, "remote", remote)

	adapted := newQuicConn(conn)

	d := dispatcher.New(adapted, dispatcher.Config{
		Authenticator: s.config.Authenticator,
		AuthTimeout:   s.config.AuthTimeout,
		TCPHandler: func(ctx context.Context, target wire.Address, stream dispatcher.Stream) {
			s.handleTCP(ctx, connID, target, stream)
		},
		NewSession: func(assocID uint16) (*udpsession.Session, bool) {
			return s.newServerSession(connID, assocID, adapted)
		},
	})

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.CloseWithError(0, "server shutting down")
		return
	}
	s.conns[connID] = d
	s.mu.Unlock()

	err := d.Run(ctx)
	logger.Info("connection ended", "conn_id", connID, "remote", remote, "err", err)

	d.Close()
	s.mu.Lock()
	delete(s.conns, connID)
	s.mu.Unlock()
}

func (s *Server) handleTCP(ctx context.Context, connID string, target wire.Address, stream dispatcher.Stream) {
	defer stream.Close()

	dialTimeout := s.config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	target2, err := dialer.DialContext(dialCtx, "tcp", target.String())
	if err != nil {
		logger.Warn("tcp egress dial failed", "conn_id", connID, "target", target.String(), "err", err)
		return
	}
	defer target2.Close()

	result := bridge.Relay(ctx, connID, stream, target2)
	logger.Debug("tcp relay finished", "conn_id", connID, "target", target.String(),
		"client_to_target", result.ClientToTarget, "target_to_client", result.TargetToClient, "err", result.Err)
}

// serverUDPSocket is the server's direct-egress LocalSocket: a real UDP
// socket bound ephemerally, used to send to and receive from whatever
// targets the client's Packet commands name.
type serverUDPSocket struct {
	conn *net.UDPConn
}

func newServerUDPSocket() (*serverUDPSocket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	return &serverUDPSocket{conn: conn}, nil
}

func (s *serverUDPSocket) RecvFrom(buf []byte) (int, net.Addr, int, error) {
	n, addr, err := s.conn.ReadFromUDP(buf)
	return n, addr, 0, err
}

func (s *serverUDPSocket) SendTo(payload []byte, addr net.Addr) (int, error) {
	return s.conn.WriteTo(payload, addr)
}

func (s *serverUDPSocket) Close() error {
	return s.conn.Close()
}

func (s *Server) newServerSession(connID string, assocID uint16, remote *quicConn) (*udpsession.Session, bool) {
	local, err := newServerUDPSocket()
	if err != nil {
		logger.Warn("failed to bind udp egress socket", "conn_id", connID, "assoc_id", assocID, "err", err)
		return nil, false
	}
	return udpsession.NewSession(assocID, false, local, remote, nil), true
}

// Close stops accepting new connections and closes every active one.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*dispatcher.Dispatcher, 0, len(s.conns))
	for _, d := range s.conns {
		conns = append(conns, d)
	}
	s.mu.Unlock()

	for _, d := range conns {
		d.Close()
	}

	return s.listener.Close()
}
