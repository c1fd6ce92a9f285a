package bridge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/seantiz/anvil/internal/backend"
)

// Dialer opens a fresh connection to an agent.
type Dialer func(ctx context.Context) (*Conn, error)

// Context is the execution context of an agent-backed worker. Each conversion
// uses its own connection. Once a connection fails at the transport level the
// context reports itself unusable and the owning worker is restarted.
type Context struct {
	dial   Dialer
	alive  func() bool
	broken atomic.Bool
}

// Compile-time check that Context satisfies the ExecutionContext interface.
var _ backend.ExecutionContext = (*Context)(nil)

// NewContext creates an execution context. alive, when non-nil, reports
// whether the process hosting the agent is still running.
func NewContext(dial Dialer, alive func() bool) *Context {
	return &Context{dial: dial, alive: alive}
}

// Usable reports whether the agent is still reachable.
func (c *Context) Usable() bool {
	if c.broken.Load() {
		return false
	}
	return c.alive == nil || c.alive()
}

// Convert sends a conversion request to the agent. Transport failures mark
// the context unusable; a conversion the agent reports as failed does not.
func (c *Context) Convert(ctx context.Context, req backend.ConvertRequest) (backend.ConvertResult, error) {
	if !c.Usable() {
		return backend.ConvertResult{}, fmt.Errorf("%w: agent is no longer reachable", backend.ErrTaskExecution)
	}
	if len(req.Input) > MaxDocumentSize {
		return backend.ConvertResult{}, fmt.Errorf("%w: input of %d bytes exceeds the %d byte document limit",
			backend.ErrTaskExecution, len(req.Input), MaxDocumentSize)
	}

	start := time.Now()
	resp, err := c.roundTrip(ctx, Request{
		Type:          TypeConvert,
		Filename:      req.Filename,
		SourceFormat:  req.SourceFormat,
		TargetFormat:  req.TargetFormat,
		FilterOptions: req.FilterOptions,
		Input:         req.Input,
		TimeoutS:      timeoutSeconds(ctx),
	}, req.LogWriter)
	if err != nil {
		return backend.ConvertResult{}, err
	}
	if resp.Error != "" {
		return backend.ConvertResult{}, fmt.Errorf("%w: %s", backend.ErrTaskExecution, resp.Error)
	}

	dur := resp.DurationMS
	if dur == 0 {
		dur = int(time.Since(start).Milliseconds())
	}
	return backend.ConvertResult{
		Output:     resp.Output,
		DurationMS: dur,
		LogLines:   resp.LogLines,
	}, nil
}

// Ping checks that the agent answers requests.
func (c *Context) Ping(ctx context.Context) error {
	resp, err := c.roundTrip(ctx, Request{Type: TypePing}, nil)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("ping: %s", resp.Error)
	}
	return nil
}

func (c *Context) roundTrip(ctx context.Context, req Request, logWriter func(string)) (Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		c.broken.Store(true)
		return Response{}, classify(ctx, fmt.Errorf("dial agent: %w", err))
	}
	defer conn.Close()

	resp, err := conn.RoundTrip(ctx, req, logWriter)
	if err != nil {
		// An oversized frame is refused before any byte is sent.
		if !errors.Is(err, ErrMessageTooLarge) {
			c.broken.Store(true)
		}
		return Response{}, classify(ctx, err)
	}
	return resp, nil
}

// classify maps a transport error onto the error taxonomy.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || IsTimeout(err) {
		return fmt.Errorf("%w: %w", backend.ErrTaskTimeout, err)
	}
	return fmt.Errorf("%w: %w", backend.ErrTaskExecution, err)
}

// timeoutSeconds passes the remaining deadline on to the agent so it can stop
// the converter itself.
func timeoutSeconds(ctx context.Context) int {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return int(math.Ceil(time.Until(deadline).Seconds()))
}
