// Package dispatcher demultiplexes one QUIC connection's uni streams, bi
// streams, and datagrams into TUIC commands, routing each to the
// authenticator, a UDP association, or the TCP egress callback.
//
// Unlike a single select loop that serially awaits accept_uni, accept_bi,
// and read_datagram in turn, each event source runs its own goroutine
// feeding a shared, bounded channel; a single consumer drains that channel
// so all shared state (the UDP association map, auth status) is still
// touched from one goroutine, but a slow or idle source never blocks
// delivery of events already waiting on a different source.
package dispatcher

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tuicmesh/tuicd/pkg/logger"
	"github.com/tuicmesh/tuicd/pkg/tuicauth"
	"github.com/tuicmesh/tuicd/pkg/udpsession"
	"github.com/tuicmesh/tuicd/pkg/wire"
)

// eventChannelCapacity bounds how many decoded-or-pending events may queue
// between the producer goroutines and the consumer loop.
const eventChannelCapacity = 256

// maxUniStreamFrame bounds how much of a unidirectional stream is read
// before giving up on decoding it as one TUIC frame.
const maxUniStreamFrame = 64 * 1024

// defaultHeartbeatInterval matches the teacher's connection keepalive
// cadence, repurposed as the TUIC heartbeat period.
const defaultHeartbeatInterval = 10 * time.Second

// maxMissedHeartbeats is how many consecutive missed heartbeat intervals
// close the connection as unresponsive.
const maxMissedHeartbeats = 3

// Stream is a QUIC bidirectional stream: the contract the TCP relay (C3)
// needs from a Connect's paired stream.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// Connection is the capability contract the dispatcher needs from a QUIC
// connection, on either the client or the server. Implementations adapt
// the concrete transport; the dispatcher depends only on this interface.
type Connection interface {
	AcceptStream(ctx context.Context) (Stream, error)
	AcceptUniStream(ctx context.Context) (io.Reader, error)
	OpenUniStream() (io.WriteCloser, error)
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	SendDatagram(data []byte) error
	MaxDatagramSize() int
	ConnectionState() tls.ConnectionState
	RemoteAddr() string
	CloseWithError(code uint64, reason string) error
}

// TCPHandler is invoked once per accepted Connect bi stream, server-side.
type TCPHandler func(ctx context.Context, target wire.Address, stream Stream)

// NewSessionFunc creates the server-side UdpSession for an association the
// dispatcher has not seen before. It returns ok=false when the connection
// should not auto-create sessions (the client side, where sessions are
// created by the local SOCKS5 ingress instead).
type NewSessionFunc func(assocID uint16) (sess *udpsession.Session, ok bool)

// Config configures one Dispatcher.
type Config struct {
	// Authenticator is required on the server side. On the client side,
	// leave nil: a client dispatcher never receives Auth commands.
	Authenticator *tuicauth.Authenticator
	// AuthTimeout bounds how long an unauthenticated server connection is
	// kept open waiting for its Auth command. Ignored when Authenticator
	// is nil.
	AuthTimeout time.Duration
	// HeartbeatInterval overrides defaultHeartbeatInterval when nonzero.
	HeartbeatInterval time.Duration
	// TCPHandler receives decoded Connect requests. Required on the
	// server side; nil on the client (which opens bi streams itself).
	TCPHandler TCPHandler
	// NewSession creates a session for an unseen association id. Leave nil
	// on the client side: client-side sessions are created by the local
	// SOCKS5 ingress and registered via RegisterSession, so a Packet for
	// an association the client never registered is simply dropped.
	NewSession NewSessionFunc
}

type eventKind int

const (
	eventUni eventKind = iota
	eventBi
	eventDatagram
)

type event struct {
	kind    eventKind
	frame   wire.Frame
	payload []byte // eventUni and eventDatagram: the Packet command's fragment bytes
	stream  Stream // eventBi only: the stream to hand onward, already past its header
	err     error  // a producer-side failure that should end the dispatcher
}

// Dispatcher runs the event loop for one QUIC connection.
type Dispatcher struct {
	conn   Connection
	config Config

	sessionsMu sync.Mutex
	sessions   map[uint16]*udpsession.Session

	authMu            sync.RWMutex
	authenticated     bool
	authenticatedUUID uuid.UUID
}

// AuthenticatedUUID returns the UUID the peer authenticated as, and
// whether authentication has completed yet.
func (d *Dispatcher) AuthenticatedUUID() (uuid.UUID, bool) {
	d.authMu.RLock()
	defer d.authMu.RUnlock()
	return d.authenticatedUUID, d.authenticated
}

// New builds a Dispatcher for conn.
func New(conn Connection, config Config) *Dispatcher {
	return &Dispatcher{
		conn:     conn,
		config:   config,
		sessions: make(map[uint16]*udpsession.Session),
	}
}

// Run drives the dispatcher until ctx is cancelled, the connection closes,
// or a protocol violation forces it closed. It always returns a non-nil
// error: context.Canceled on ordinary shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan event, eventChannelCapacity)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { d.acceptUniLoop(gctx, events); return nil })
	group.Go(func() error { d.acceptBiLoop(gctx, events); return nil })
	group.Go(func() error { d.readDatagramLoop(gctx, events); return nil })

	consumeErr := d.consume(ctx, events)
	cancel()
	group.Wait()

	return consumeErr
}

func (d *Dispatcher) acceptUniLoop(ctx context.Context, events chan<- event) {
	for {
		stream, err := d.conn.AcceptUniStream(ctx)
		if err != nil {
			d.sendEvent(ctx, events, event{kind: eventUni, err: err})
			return
		}

		frame, payload, err := readUniFrame(stream)
		if err != nil {
			logger.Warn("failed to decode uni stream frame", "remote", d.conn.RemoteAddr(), "err", err)
			continue
		}

		if !d.sendEvent(ctx, events, event{kind: eventUni, frame: frame, payload: payload}) {
			return
		}
	}
}

func (d *Dispatcher) acceptBiLoop(ctx context.Context, events chan<- event) {
	for {
		stream, err := d.conn.AcceptStream(ctx)
		if err != nil {
			d.sendEvent(ctx, events, event{kind: eventBi, err: err})
			return
		}

		frame, err := wire.ReadFrame(bufio.NewReader(stream))
		if err != nil {
			logger.Warn("failed to decode bi stream header", "remote", d.conn.RemoteAddr(), "err", err)
			stream.Close()
			continue
		}

		if frame.Header.Command != wire.CmdConnect {
			logger.Warn("bi stream opened with non-Connect command", "remote", d.conn.RemoteAddr(), "command", frame.Header.Command)
			stream.Close()
			continue
		}

		if !d.sendEvent(ctx, events, event{kind: eventBi, frame: frame, stream: stream}) {
			return
		}
	}
}

func (d *Dispatcher) readDatagramLoop(ctx context.Context, events chan<- event) {
	for {
		data, err := d.conn.ReceiveDatagram(ctx)
		if err != nil {
			d.sendEvent(ctx, events, event{kind: eventDatagram, err: err})
			return
		}

		frame, n, err := wire.DecodeFrame(data)
		if err != nil {
			logger.Warn("dropping malformed datagram", "remote", d.conn.RemoteAddr(), "err", err)
			continue
		}

		var payload []byte
		if frame.Header.Command == wire.CmdPacket {
			end := n + int(frame.Command.Size)
			if end > len(data) {
				logger.Warn("dropping datagram with declared size beyond its bytes", "remote", d.conn.RemoteAddr())
				continue
			}
			payload = data[n:end]
		}

		if !d.sendEvent(ctx, events, event{kind: eventDatagram, frame: frame, payload: payload}) {
			return
		}
	}
}

func (d *Dispatcher) sendEvent(ctx context.Context, events chan<- event, e event) bool {
	select {
	case events <- e:
		return true
	case <-ctx.Done():
		return false
	}
}

func (d *Dispatcher) consume(ctx context.Context, events chan event) error {
	heartbeatInterval := d.config.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()
	missedHeartbeats := 0

	var authTimer *time.Timer
	var authTimeoutCh <-chan time.Time
	if d.config.Authenticator != nil {
		timeout := d.config.AuthTimeout
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		authTimer = time.NewTimer(timeout)
		defer authTimer.Stop()
		authTimeoutCh = authTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-authTimeoutCh:
			if _, authenticated := d.AuthenticatedUUID(); !authenticated {
				d.conn.CloseWithError(uint64(wire.CmdAuth), "auth timeout")
				return fmt.Errorf("dispatcher: auth timeout")
			}

		case <-heartbeatTicker.C:
			// Heartbeat is one-way, client to server (spec.md §4.5, §9): a
			// server dispatcher (one with an Authenticator) never emits it.
			if d.config.Authenticator != nil {
				continue
			}
			if err := d.conn.SendDatagram(wire.EncodeHeartbeat()); err != nil {
				missedHeartbeats++
				logger.Warn("heartbeat send failed", "remote", d.conn.RemoteAddr(), "missed", missedHeartbeats, "err", err)
				if missedHeartbeats >= maxMissedHeartbeats {
					d.conn.CloseWithError(0, "heartbeat failure")
					return fmt.Errorf("dispatcher: %d consecutive heartbeat failures", missedHeartbeats)
				}
			} else {
				missedHeartbeats = 0
			}

		case e := <-events:
			if e.err != nil {
				return e.err
			}
			if err := d.handle(ctx, e); err != nil {
				return err
			}
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, e event) error {
	switch e.kind {
	case eventUni:
		return d.handleUniFrame(e.frame, e.payload)
	case eventBi:
		return d.handleBiFrame(ctx, e.frame, e.stream)
	case eventDatagram:
		return d.handleDatagramFrame(e.frame, e.payload)
	default:
		return nil
	}
}

// authGatePassed reports whether a non-Auth command may be acted on: a
// client dispatcher (Authenticator == nil) never gates, a server dispatcher
// gates every command until its peer has authenticated.
func (d *Dispatcher) authGatePassed() bool {
	_, ok := d.AuthenticatedUUID()
	return d.config.Authenticator == nil || ok
}

func (d *Dispatcher) handleUniFrame(frame wire.Frame, payload []byte) error {
	switch frame.Header.Command {
	case wire.CmdAuth:
		return d.handleAuth(frame)
	case wire.CmdPacket:
		if !d.authGatePassed() {
			logger.Warn("dropping packet before authentication", "remote", d.conn.RemoteAddr())
			return nil
		}
		d.handlePacket(frame, payload)
	case wire.CmdDissociate:
		if !d.authGatePassed() {
			logger.Warn("dropping dissociate before authentication", "remote", d.conn.RemoteAddr())
			return nil
		}
		d.closeSession(frame.Command.DissociateAssocID, udpsession.ReasonDissociateReceived)
	case wire.CmdHeartbeat:
		// idempotent; observation alone counts as an ack
	case wire.CmdConnect:
		logger.Warn("protocol error: Connect on uni stream", "remote", d.conn.RemoteAddr())
	default:
		logger.Warn("unexpected command on uni stream", "remote", d.conn.RemoteAddr(), "command", frame.Header.Command)
	}
	return nil
}

func (d *Dispatcher) handleAuth(frame wire.Frame) error {
	if d.config.Authenticator == nil {
		logger.Warn("ignoring Auth on a connection with no authenticator", "remote", d.conn.RemoteAddr())
		return nil
	}

	id, err := uuid.FromBytes(frame.Command.UUID[:])
	if err != nil {
		return fmt.Errorf("dispatcher: invalid auth uuid: %w", err)
	}

	if err := d.config.Authenticator.Verify(d.conn.ConnectionState(), d.conn.RemoteAddr(), id, frame.Command.Token); err != nil {
		d.conn.CloseWithError(uint64(wire.CmdAuth), "authentication failed")
		return fmt.Errorf("dispatcher: authentication failed: %w", err)
	}

	d.authMu.Lock()
	d.authenticated = true
	d.authenticatedUUID = id
	d.authMu.Unlock()
	return nil
}

func (d *Dispatcher) handleBiFrame(ctx context.Context, frame wire.Frame, stream Stream) error {
	if !d.authGatePassed() {
		stream.Close()
		return nil
	}

	if d.config.TCPHandler == nil {
		stream.Close()
		return nil
	}

	go d.config.TCPHandler(ctx, frame.Addr, stream)
	return nil
}

func (d *Dispatcher) handleDatagramFrame(frame wire.Frame, payload []byte) error {
	switch frame.Header.Command {
	case wire.CmdPacket:
		if !d.authGatePassed() {
			logger.Warn("dropping packet before authentication", "remote", d.conn.RemoteAddr())
			return nil
		}
		d.handlePacket(frame, payload)
	case wire.CmdHeartbeat:
	case wire.CmdDissociate:
		if !d.authGatePassed() {
			logger.Warn("dropping dissociate before authentication", "remote", d.conn.RemoteAddr())
			return nil
		}
		d.closeSession(frame.Command.DissociateAssocID, udpsession.ReasonDissociateReceived)
	default:
		logger.Warn("unexpected command on datagram path", "remote", d.conn.RemoteAddr(), "command", frame.Header.Command)
	}
	return nil
}

func (d *Dispatcher) handlePacket(frame wire.Frame, payload []byte) {
	cmd := frame.Command
	sess, ok := d.sessionFor(cmd.AssocID)
	if !ok {
		logger.Warn("dropping packet for unknown association", "assoc_id", cmd.AssocID)
		return
	}

	sess.ProcessFragment(cmd.PktID, cmd.FragTotal, cmd.FragID, payload, nil, frame.Addr)
}

func (d *Dispatcher) sessionFor(assocID uint16) (*udpsession.Session, bool) {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()

	if sess, ok := d.sessions[assocID]; ok {
		return sess, true
	}

	if d.config.NewSession == nil {
		return nil, false
	}

	sess, ok := d.config.NewSession(assocID)
	if !ok {
		return nil, false
	}

	d.sessions[assocID] = sess
	sess.Start()
	return sess, true
}

// RegisterSession installs a session the caller created directly (the
// client-side path, where the local SOCKS5 ingress allocates an
// association before any packet has been exchanged).
func (d *Dispatcher) RegisterSession(sess *udpsession.Session) {
	d.sessionsMu.Lock()
	defer d.sessionsMu.Unlock()
	d.sessions[sess.AssocID] = sess
}

func (d *Dispatcher) closeSession(assocID uint16, reason udpsession.CloseReason) {
	d.sessionsMu.Lock()
	sess, ok := d.sessions[assocID]
	if ok {
		delete(d.sessions, assocID)
	}
	d.sessionsMu.Unlock()

	if ok {
		sess.Close(reason)
	}
}

// Close tears down every UDP association the dispatcher still owns,
// signalling ReasonConnectionClosed so client-side sessions emit their
// final Dissociate.
func (d *Dispatcher) Close() {
	d.sessionsMu.Lock()
	sessions := make([]*udpsession.Session, 0, len(d.sessions))
	for _, sess := range d.sessions {
		sessions = append(sessions, sess)
	}
	d.sessions = make(map[uint16]*udpsession.Session)
	d.sessionsMu.Unlock()

	for _, sess := range sessions {
		sess.Close(udpsession.ReasonConnectionClosed)
	}
}

// readUniFrame reads an entire unidirectional stream and decodes it,
// bounded by maxUniStreamFrame against a misbehaving peer. Most uni frames
// (Auth, Dissociate, Heartbeat) are small and fixed-size; a Packet command
// carries its fragment bytes after the declared Address, returned as
// payload.
func readUniFrame(r io.Reader) (wire.Frame, []byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxUniStreamFrame+1))
	if err != nil {
		return wire.Frame{}, nil, err
	}
	if len(data) > maxUniStreamFrame {
		return wire.Frame{}, nil, errors.New("dispatcher: uni stream frame exceeds maximum size")
	}

	frame, n, err := wire.DecodeFrame(data)
	if err != nil {
		return wire.Frame{}, nil, wire.AtEOF(err, len(data))
	}

	var payload []byte
	if frame.Header.Command == wire.CmdPacket {
		end := n + int(frame.Command.Size)
		if end > len(data) {
			return wire.Frame{}, nil, fmt.Errorf("dispatcher: uni packet declared size beyond its bytes")
		}
		payload = data[n:end]
	}

	return frame, payload, nil
}
