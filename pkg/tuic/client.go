package tuic

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"

	"github.com/tuicmesh/tuicd/pkg/bridge"
	"github.com/tuicmesh/tuicd/pkg/dispatcher"
	"github.com/tuicmesh/tuicd/pkg/logger"
	"github.com/tuicmesh/tuicd/pkg/tuicauth"
	"github.com/tuicmesh/tuicd/pkg/udpsession"
	"github.com/tuicmesh/tuicd/pkg/wire"
)

// ClientConfig configures a Client's connection to a TUIC server.
type ClientConfig struct {
	ServerAddr        string
	ServerName        string // SNI; defaults to the host part of ServerAddr
	UUID              uuid.UUID
	Secret            []byte
	ALPN              []string
	SkipCertVerify    bool
	HeartbeatInterval time.Duration
	ReduceRTT         bool // attempt 0-RTT resumption
}

// Client holds one TUIC connection to a server and exposes the two
// entrypoints a local ingress collaborator (pkg/socks5ingress) drives:
// HandleTCP for a CONNECT request, HandleUDP for an ASSOCIATE request.
type Client struct {
	config ClientConfig
	conn   *quic.Conn
	quic   *quicConn
	disp   *dispatcher.Dispatcher

	nextAssocID atomic.Uint32

	runErr chan error
}

// Dial establishes the QUIC connection, completes the TUIC Auth handshake,
// and starts the dispatcher. The returned Client is ready for HandleTCP and
// HandleUDP; callers should arrange for ctx to outlive every relayed
// stream.
func Dial(ctx context.Context, config ClientConfig) (*Client, error) {
	serverName := config.ServerName
	if serverName == "" {
		serverName = hostOnly(config.ServerAddr)
	}

	alpn := config.ALPN
	if len(alpn) == 0 {
		alpn = []string{ALPN}
	}

	tlsConfig := &tls.Config{
		ServerName:         serverName,
		NextProtos:         alpn,
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: config.SkipCertVerify,
	}

	quicConfig := baseQUICConfig()

	var conn *quic.Conn
	var err error
	if config.ReduceRTT {
		earlyConn, dialErr := quic.DialAddrEarly(ctx, config.ServerAddr, tlsConfig, quicConfig)
		if dialErr != nil {
			return nil, wrapDialErr(config.ServerAddr, dialErr)
		}
		conn = earlyConn
	} else {
		conn, err = quic.DialAddr(ctx, config.ServerAddr, tlsConfig, quicConfig)
		if err != nil {
			return nil, wrapDialErr(config.ServerAddr, err)
		}
	}

	adapted := newQuicConn(conn)

	token, err := tuicauth.DeriveToken(conn.ConnectionState().TLS, config.UUID, config.Secret)
	if err != nil {
		conn.CloseWithError(0, "auth derivation failed")
		return nil, fmt.Errorf("tuic: derive auth token: %w", err)
	}

	if err := sendAuth(conn, config.UUID, token); err != nil {
		conn.CloseWithError(0, "auth send failed")
		return nil, fmt.Errorf("tuic: send auth: %w", err)
	}

	c := &Client{
		config: config,
		conn:   conn,
		quic:   adapted,
		runErr: make(chan error, 1),
	}

	c.disp = dispatcher.New(adapted, dispatcher.Config{
		HeartbeatInterval: config.HeartbeatInterval,
		// Authenticator and TCPHandler stay nil: a client dispatcher never
		// receives Auth (it sends it) and never accepts bi streams (it
		// opens them, via HandleTCP, outside the dispatcher's event loop).
		// NewSession stays nil too: client-side sessions are created by
		// HandleUDP and installed with RegisterSession.
	})

	go func() {
		c.runErr <- c.disp.Run(ctx)
	}()

	logger.Info("tuic client connected", "server", config.ServerAddr, "uuid", config.UUID)
	return c, nil
}

// Done returns a channel that receives the dispatcher's terminal error once
// the connection ends.
func (c *Client) Done() <-chan error {
	return c.runErr
}

// Close tears down the connection and every UDP association on it.
func (c *Client) Close() error {
	c.disp.Close()
	return c.conn.CloseWithError(0, "client closing")
}

// HandleTCP relays one ingress TCP stream as a TUIC Connect: it opens a bi
// stream, writes Connect+target, then bridges the two streams until either
// side closes (pkg/bridge).
func (c *Client) HandleTCP(ctx context.Context, requestID string, target wire.Address, ingress bridge.Stream) error {
	stream, err := c.quic.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("tuic: open bi stream: %w", err)
	}

	prefix, err := wire.EncodeConnect(target)
	if err != nil {
		stream.Close()
		return fmt.Errorf("tuic: encode connect: %w", err)
	}
	if _, err := stream.Write(prefix); err != nil {
		stream.Close()
		return fmt.Errorf("tuic: write connect: %w", err)
	}

	result := bridge.Relay(ctx, requestID, ingress, stream)
	logger.Debug("tcp relay finished", "request_id", requestID, "target", target.String(),
		"client_to_target", result.ClientToTarget, "target_to_client", result.TargetToClient, "err", result.Err)
	return result.Err
}

// HandleUDP allocates a new association for a local UDP ingress socket
// (typically the SOCKS5 collaborator's per-client relay socket), starts its
// session loops, and registers it with the dispatcher so inbound Packet
// commands for its assoc_id are routed to it. The session closes local
// when it terminates, and sends Dissociate when it tears down.
func (c *Client) HandleUDP(local udpsession.LocalSocket) *udpsession.Session {
	assocID := uint16(c.nextAssocID.Add(1))

	sess := udpsession.NewSession(assocID, true, local, c.quic, func(id uint16) {
		c.sendDissociate(id)
	})
	c.disp.RegisterSession(sess)
	sess.Start()
	return sess
}

func (c *Client) sendDissociate(assocID uint16) {
	stream, err := c.quic.OpenUniStream()
	if err != nil {
		logger.Warn("failed to open uni stream for dissociate", "assoc_id", assocID, "err", err)
		return
	}
	defer stream.Close()

	if _, err := stream.Write(wire.EncodeDissociate(assocID)); err != nil {
		logger.Warn("failed to send dissociate", "assoc_id", assocID, "err", err)
	}
}

func sendAuth(conn *quic.Conn, id uuid.UUID, token [tuicauth.TokenSize]byte) error {
	stream, err := conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return err
	}
	defer stream.Close()

	var rawUUID [16]byte
	copy(rawUUID[:], id[:])
	_, err = stream.Write(wire.EncodeAuth(rawUUID, token))
	return err
}

func hostOnly(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}
