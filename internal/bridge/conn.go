package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Conn is a connection to a conversion agent. A Conn carries one request at a
// time and is used by a single goroutine.
type Conn struct {
	conn   net.Conn
	reader io.Reader // buffered reader preserving any bytes read ahead during handshake
}

// NewConn wraps an established connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{conn: c, reader: c}
}

// DialUnix connects to an agent listening on a Unix socket. It does not retry;
// callers waiting for an agent to come up poll instead.
func DialUnix(ctx context.Context, path string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", path, err)
	}
	return NewConn(c), nil
}

// DialVsock connects to an agent inside a Firecracker microVM via the vsock
// UDS bridge. The udsPath is the Unix socket created by Firecracker; port is
// the vsock port the agent listens on. Retries with exponential backoff.
func DialVsock(ctx context.Context, udsPath string, port uint32) (*Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial agent: %w", ctx.Err())
		default:
		}

		c, err := dialVsockUDS(ctx, udsPath, port)
		if err == nil {
			return c, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial agent: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial agent after %d attempts: %w", dialMaxRetries, lastErr)
}

// dialVsockUDS connects to Firecracker's UDS and sends the CONNECT handshake.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(c, "CONNECT %d\n", port); err != nil {
		c.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Keep the buffered reader for all subsequent reads so bytes read ahead
	// of the handshake line are not lost.
	reader := bufio.NewReader(c)
	response, err := reader.ReadString('\n')
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		c.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &Conn{conn: c, reader: reader}, nil
}

// RoundTrip sends req and reads frames until the result arrives. Log lines are
// passed to logWriter as they arrive. Cancelling ctx aborts the exchange.
func (c *Conn) RoundTrip(ctx context.Context, req Request, logWriter func(string)) (Response, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.conn.SetDeadline(deadline); err != nil {
			return Response{}, fmt.Errorf("set deadline: %w", err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer stop()

	if err := WriteMessage(c.conn, &req); err != nil {
		return Response{}, c.ctxErr(ctx, fmt.Errorf("send %s request: %w", req.Type, err))
	}
	resp, err := c.readMessages(logWriter)
	if err != nil {
		return Response{}, c.ctxErr(ctx, err)
	}
	return resp, nil
}

// ctxErr prefers the context's error when ctx ended the exchange.
func (c *Conn) ctxErr(ctx context.Context, err error) error {
	ctxErr := ctx.Err()
	if ctxErr == nil && IsTimeout(err) {
		// The conn deadline can fire just before the context's timer does.
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			ctxErr = context.DeadlineExceeded
		}
	}
	if ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}

// readMessages reads Message frames in a loop. Log lines are delivered to
// logWriter; the result message terminates the loop.
func (c *Conn) readMessages(logWriter func(string)) (Response, error) {
	for {
		var msg Message
		if err := ReadMessage(c.reader, &msg); err != nil {
			return Response{}, fmt.Errorf("read agent message: %w", err)
		}

		switch msg.Type {
		case MsgTypeLog:
			if logWriter != nil {
				logWriter(msg.Line)
			}
		case MsgTypeResult:
			if msg.Response == nil {
				return Response{}, errors.New("received result message with nil response")
			}
			return *msg.Response, nil
		default:
			return Response{}, fmt.Errorf("unknown message type: %q", msg.Type)
		}
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// IsTimeout reports whether err came from a connection deadline.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
