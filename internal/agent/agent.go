package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/anvil/internal/bridge"
)

// DefaultTimeout bounds a conversion when the request carries no timeout.
const DefaultTimeout = 120 * time.Second

// Agent accepts bridge connections and runs conversions.
type Agent struct {
	listener  net.Listener
	workDir   string
	converter Converter
	logger    *slog.Logger

	// convertMu serializes conversions; one office instance handles one
	// document at a time.
	convertMu sync.Mutex
	seq       atomic.Uint64
}

// New creates an agent that stages requests under workDir.
func New(listener net.Listener, workDir string, converter Converter, logger *slog.Logger) *Agent {
	return &Agent{
		listener:  listener,
		workDir:   workDir,
		converter: converter,
		logger:    logger,
	}
}

// Serve accepts connections and handles requests. It blocks until the
// listener is closed.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

// handleConnection processes a single request on conn.
func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var req bridge.Request
	if err := bridge.ReadMessage(conn, &req); err != nil {
		a.logger.Warn("read request", "error", err)
		sendResult(conn, a.logger, bridge.Response{Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	switch req.Type {
	case bridge.TypePing:
		sendResult(conn, a.logger, bridge.Response{})
	case bridge.TypeConvert:
		sendResult(conn, a.logger, a.convert(conn, &req))
	default:
		sendResult(conn, a.logger, bridge.Response{Error: fmt.Sprintf("unsupported request type: %q", req.Type)})
	}
}

// convert stages req's input, runs the converter, and streams its output
// lines to conn.
func (a *Agent) convert(conn net.Conn, req *bridge.Request) bridge.Response {
	if req.TargetFormat == "" {
		return bridge.Response{Error: "target format is required"}
	}
	if len(req.Input) == 0 {
		return bridge.Response{Error: "input is empty"}
	}

	name, err := inputName(req.Filename, req.SourceFormat)
	if err != nil {
		return bridge.Response{Error: err.Error()}
	}

	a.convertMu.Lock()
	defer a.convertMu.Unlock()

	jobDir := filepath.Join(a.workDir, "job-"+strconv.FormatUint(a.seq.Add(1), 10))
	defer os.RemoveAll(jobDir)

	inDir := filepath.Join(jobDir, "in")
	outDir := filepath.Join(jobDir, "out")
	for _, dir := range []string{inDir, outDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return bridge.Response{Error: fmt.Sprintf("create job dir: %v", err)}
		}
	}
	inputPath := filepath.Join(inDir, name)
	if err := os.WriteFile(inputPath, req.Input, 0o644); err != nil {
		return bridge.Response{Error: fmt.Sprintf("stage input: %v", err)}
	}

	timeout := time.Duration(req.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Mutex protects concurrent writes to conn from the converter's stdout
	// and stderr readers.
	var writeMu sync.Mutex
	var logLines []string
	logLine := func(line string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		logLines = append(logLines, line)
		if err := bridge.WriteMessage(conn, &bridge.Message{Type: bridge.MsgTypeLog, Line: line}); err != nil {
			a.logger.Debug("write log line", "error", err)
		}
	}

	start := time.Now()
	output, err := a.converter.Convert(ctx, Job{
		InputPath:     inputPath,
		OutputDir:     outDir,
		TargetFormat:  req.TargetFormat,
		FilterOptions: req.FilterOptions,
	}, logLine)
	durationMS := int(time.Since(start).Milliseconds())

	writeMu.Lock()
	defer writeMu.Unlock()

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("conversion timed out after %s", timeout)
		}
		a.logger.Warn("conversion failed", "filename", name, "target_format", req.TargetFormat, "error", err)
		return bridge.Response{Error: err.Error(), DurationMS: durationMS, LogLines: logLines}
	}

	if len(output) > bridge.MaxDocumentSize {
		a.logger.Warn("output too large", "filename", name, "target_format", req.TargetFormat, "output_bytes", len(output))
		return bridge.Response{
			Error:      fmt.Sprintf("output too large: %d bytes exceeds the %d byte document limit", len(output), bridge.MaxDocumentSize),
			DurationMS: durationMS,
		}
	}

	a.logger.Info("conversion completed", "filename", name, "target_format", req.TargetFormat,
		"input_bytes", len(req.Input), "output_bytes", len(output), "duration_ms", durationMS)
	return bridge.Response{Output: output, DurationMS: durationMS, LogLines: logLines}
}

// sendResult sends the final Response wrapped in a Message.
func sendResult(conn net.Conn, logger *slog.Logger, resp bridge.Response) {
	msg := bridge.Message{
		Type:     bridge.MsgTypeResult,
		Response: &resp,
	}
	err := bridge.WriteMessage(conn, &msg)
	if errors.Is(err, bridge.ErrMessageTooLarge) {
		// Nothing was written, so a short error still reaches the host.
		logger.Warn("result too large", "error", err)
		msg.Response = &bridge.Response{Error: "result too large", DurationMS: resp.DurationMS}
		err = bridge.WriteMessage(conn, &msg)
	}
	if err != nil {
		logger.Warn("write result", "error", err)
	}
}

// inputName derives a safe staging filename from the client-supplied name.
// Only the final path element is kept; the extension falls back to the
// source format so the converter can detect the input type.
func inputName(filename, sourceFormat string) (string, error) {
	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(filename, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		name = "input"
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("invalid filename %q", filename)
	}
	if filepath.Ext(name) == "" && sourceFormat != "" {
		name += "." + sourceFormat
	}
	return name, nil
}
