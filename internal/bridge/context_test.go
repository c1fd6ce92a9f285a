package bridge

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/seantiz/anvil/internal/backend"
)

// serveFakeAgent listens on a Unix socket and answers each connection's
// single request with handle.
func serveFakeAgent(t *testing.T, handle func(req Request, conn net.Conn)) string {
	t.Helper()
	sockPath := t.TempDir() + "/agent.sock"
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				var req Request
				if err := ReadMessage(conn, &req); err != nil {
					return
				}
				handle(req, conn)
			}()
		}
	}()
	return sockPath
}

func unixDialer(path string) Dialer {
	return func(ctx context.Context) (*Conn, error) {
		return DialUnix(ctx, path)
	}
}

func TestContextConvert(t *testing.T) {
	sock := serveFakeAgent(t, func(req Request, conn net.Conn) {
		WriteMessage(conn, &Message{Type: MsgTypeLog, Line: "converting " + req.Filename})
		WriteMessage(conn, &Message{Type: MsgTypeResult, Response: &Response{
			Output:     append([]byte(req.TargetFormat+":"), req.Input...),
			DurationMS: 7,
		}})
	})
	ec := NewContext(unixDialer(sock), nil)

	var logs []string
	res, err := ec.Convert(context.Background(), backend.ConvertRequest{
		Filename:     "a.odt",
		TargetFormat: "pdf",
		Input:        []byte("doc"),
		LogWriter:    func(line string) { logs = append(logs, line) },
	})
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if string(res.Output) != "pdf:doc" {
		t.Errorf("Output = %q, want pdf:doc", res.Output)
	}
	if res.DurationMS != 7 {
		t.Errorf("DurationMS = %d, want 7", res.DurationMS)
	}
	if len(logs) != 1 || logs[0] != "converting a.odt" {
		t.Errorf("logs = %v", logs)
	}
	if !ec.Usable() {
		t.Error("context unusable after a successful conversion")
	}
}

func TestContextConversionFailureKeepsContextUsable(t *testing.T) {
	sock := serveFakeAgent(t, func(_ Request, conn net.Conn) {
		WriteMessage(conn, &Message{Type: MsgTypeResult, Response: &Response{Error: "source file could not be loaded"}})
	})
	ec := NewContext(unixDialer(sock), nil)

	_, err := ec.Convert(context.Background(), backend.ConvertRequest{TargetFormat: "pdf"})
	if !errors.Is(err, backend.ErrTaskExecution) {
		t.Errorf("error = %v, want ErrTaskExecution", err)
	}
	if !ec.Usable() {
		t.Error("a failed conversion must not break the context")
	}
}

func TestContextOversizedInputKeepsContextUsable(t *testing.T) {
	var requests atomic.Int32
	sock := serveFakeAgent(t, func(req Request, conn net.Conn) {
		requests.Add(1)
		WriteMessage(conn, &Message{Type: MsgTypeResult, Response: &Response{Output: req.Input}})
	})
	ec := NewContext(unixDialer(sock), nil)

	_, err := ec.Convert(context.Background(), backend.ConvertRequest{
		Filename:     "huge.odt",
		TargetFormat: "pdf",
		Input:        make([]byte, 50<<20),
	})
	if !errors.Is(err, backend.ErrTaskExecution) {
		t.Errorf("error = %v, want ErrTaskExecution", err)
	}
	if !ec.Usable() {
		t.Error("an oversized input must not break the context of a healthy agent")
	}
	if n := requests.Load(); n != 0 {
		t.Errorf("agent received %d requests, want 0", n)
	}

	res, err := ec.Convert(context.Background(), backend.ConvertRequest{TargetFormat: "pdf", Input: []byte("memo")})
	if err != nil {
		t.Fatalf("Convert after oversized input: %v", err)
	}
	if string(res.Output) != "memo" {
		t.Errorf("output = %q, want %q", res.Output, "memo")
	}
}

func TestContextOversizedFrameKeepsContextUsable(t *testing.T) {
	sock := serveFakeAgent(t, func(Request, net.Conn) {})
	ec := NewContext(unixDialer(sock), nil)

	// The document fits, the request around it does not.
	_, err := ec.Convert(context.Background(), backend.ConvertRequest{
		TargetFormat:  "pdf",
		FilterOptions: strings.Repeat("x", 6<<20),
		Input:         make([]byte, MaxDocumentSize),
	})
	if !errors.Is(err, backend.ErrTaskExecution) {
		t.Errorf("error = %v, want ErrTaskExecution", err)
	}
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("error = %v, want ErrMessageTooLarge", err)
	}
	if !ec.Usable() {
		t.Error("a refused frame must not break the context")
	}
}

func TestContextDialFailureBreaksContext(t *testing.T) {
	ec := NewContext(unixDialer(t.TempDir()+"/missing.sock"), nil)

	_, err := ec.Convert(context.Background(), backend.ConvertRequest{TargetFormat: "pdf"})
	if !errors.Is(err, backend.ErrTaskExecution) {
		t.Errorf("error = %v, want ErrTaskExecution", err)
	}
	if ec.Usable() {
		t.Error("context still usable after the agent became unreachable")
	}

	// Further conversions fail fast without dialing.
	if _, err := ec.Convert(context.Background(), backend.ConvertRequest{}); !errors.Is(err, backend.ErrTaskExecution) {
		t.Errorf("second Convert error = %v, want ErrTaskExecution", err)
	}
}

func TestContextTimeoutMapsToTaskTimeout(t *testing.T) {
	sock := serveFakeAgent(t, func(_ Request, conn net.Conn) {
		time.Sleep(time.Second)
	})
	ec := NewContext(unixDialer(sock), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := ec.Convert(ctx, backend.ConvertRequest{TargetFormat: "pdf"})
	if !errors.Is(err, backend.ErrTaskTimeout) {
		t.Errorf("error = %v, want ErrTaskTimeout", err)
	}
	if ec.Usable() {
		t.Error("context still usable after a timed-out exchange")
	}
}

func TestContextUsableFollowsAliveProbe(t *testing.T) {
	var alive atomic.Bool
	alive.Store(true)
	ec := NewContext(unixDialer("unused"), alive.Load)

	if !ec.Usable() {
		t.Fatal("Usable() = false with a live process")
	}
	alive.Store(false)
	if ec.Usable() {
		t.Error("Usable() = true after the process exited")
	}
}

func TestContextPing(t *testing.T) {
	sock := serveFakeAgent(t, func(req Request, conn net.Conn) {
		if req.Type != TypePing {
			WriteMessage(conn, &Message{Type: MsgTypeResult, Response: &Response{Error: "unexpected " + req.Type}})
			return
		}
		WriteMessage(conn, &Message{Type: MsgTypeResult, Response: &Response{}})
	})

	if err := NewContext(unixDialer(sock), nil).Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
