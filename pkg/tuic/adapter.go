// Package tuic is the ingress/egress facade: Client and Server wire a real
// QUIC connection (github.com/quic-go/quic-go) to the dispatcher, bridge,
// and UDP session packages, and expose the two capability contracts an
// embedder implements to plug in its own ingress/egress (a SOCKS5 listener
// on the client, direct net.Dial/net.ListenUDP on the server).
package tuic

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/tuicmesh/tuicd/pkg/dispatcher"
)

// ALPN is the application protocol negotiated over the QUIC handshake.
// Carried from the original implementation, which pins it for interop
// between independently-built clients and servers.
const ALPN = "tuic"

// quicConn adapts *quic.Conn to dispatcher.Connection and
// udpsession.RemoteDatagram, translating quic-go's net.Addr/ApplicationError
// surface into the plain types the dispatcher depends on.
type quicConn struct {
	conn *quic.Conn
}

func newQuicConn(conn *quic.Conn) *quicConn {
	return &quicConn{conn: conn}
}

func (c *quicConn) AcceptStream(ctx context.Context) (dispatcher.Stream, error) {
	stream, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *quicConn) AcceptUniStream(ctx context.Context) (io.Reader, error) {
	stream, err := c.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *quicConn) OpenStream(ctx context.Context) (dispatcher.Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *quicConn) OpenUniStream() (io.WriteCloser, error) {
	stream, err := c.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *quicConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.conn.ReceiveDatagram(ctx)
}

func (c *quicConn) SendDatagram(data []byte) error {
	return c.conn.SendDatagram(data)
}

func (c *quicConn) MaxDatagramSize() int {
	return int(c.conn.MaxDatagramSize())
}

func (c *quicConn) ConnectionState() tls.ConnectionState {
	return c.conn.ConnectionState().TLS
}

func (c *quicConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *quicConn) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

const (
	defaultMaxIdleTimeout     = 30 * time.Second
	defaultKeepAlivePeriod    = 10 * time.Second
	defaultMaxIncomingStreams = 1 << 16
)

func baseQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:     defaultMaxIdleTimeout,
		KeepAlivePeriod:    defaultKeepAlivePeriod,
		EnableDatagrams:    true,
		MaxIncomingStreams: defaultMaxIncomingStreams,
	}
}

func wrapDialErr(addr string, err error) error {
	return fmt.Errorf("tuic: dial %s: %w", addr, err)
}
