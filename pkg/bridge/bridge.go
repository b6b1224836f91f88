// Package bridge copies bytes in both directions between a TCP relay
// target connection and its paired QUIC bidirectional stream.
package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/tuicmesh/tuicd/pkg/logger"
)

// copyBufferSize matches the teacher's TCP relay buffer size.
const copyBufferSize = 16 * 1024

// Stream is the minimal contract a QUIC bidirectional stream or a plain
// TCP connection both satisfy.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
}

// Result reports how much data moved in each direction and which side, if
// either, ended the relay with an error.
type Result struct {
	// ClientToTarget and TargetToClient are the byte counts copied in
	// each direction.
	ClientToTarget int64
	TargetToClient int64
	// Err is the first non-EOF error observed on either leg, or nil if
	// the relay ended because one side closed cleanly.
	Err error
}

// Relay copies bytes between client and target until either direction ends
// or ctx is cancelled. It then closes both sides, so the reverse-direction
// copy unblocks, and waits for both copies before returning.
func Relay(ctx context.Context, requestID string, client, target Stream) Result {
	var (
		wg             sync.WaitGroup
		clientToTarget int64
		targetToClient int64
		firstErr       error
		firstErrOnce   sync.Once
		firstDone      = make(chan struct{})
		firstDoneOnce  sync.Once
	)

	recordErr := func(err error) {
		if err == nil || isBenignCloseError(err) {
			return
		}
		firstErrOnce.Do(func() { firstErr = err })
	}

	copyDirection := func(direction string, dst io.Writer, src io.Reader, count *int64) {
		defer wg.Done()
		defer firstDoneOnce.Do(func() { close(firstDone) })
		n, err := io.CopyBuffer(dst, src, make([]byte, copyBufferSize))
		*count = n
		logger.Debug("relay direction finished", "request_id", requestID, "direction", direction, "bytes", n)
		recordErr(err)
	}

	wg.Add(2)
	go copyDirection("client->target", target, client, &clientToTarget)
	go copyDirection("target->client", client, target, &targetToClient)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-firstDone:
	case <-ctx.Done():
		recordErr(ctx.Err())
	}

	client.Close()
	target.Close()
	<-done

	return Result{ClientToTarget: clientToTarget, TargetToClient: targetToClient, Err: firstErr}
}

// isBenignCloseError reports whether err merely reflects one side of the
// relay closing, rather than a genuine transport failure.
func isBenignCloseError(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "application closed")
}
