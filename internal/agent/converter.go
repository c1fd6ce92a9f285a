package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Job is a single converter invocation.
type Job struct {
	InputPath     string
	OutputDir     string
	TargetFormat  string
	FilterOptions string
}

// Converter turns the file at job.InputPath into job.TargetFormat and returns
// the converted bytes. Each line of diagnostic output is passed to logLine.
type Converter interface {
	Convert(ctx context.Context, job Job, logLine func(string)) ([]byte, error)
}

// SofficeConverter runs LibreOffice in headless mode.
type SofficeConverter struct {
	// Binary is the soffice executable.
	Binary string

	// ProfileDir is the LibreOffice user installation used by this agent.
	// Concurrent soffice processes must not share a profile.
	ProfileDir string
}

// Args returns the soffice command line for job.
func (s *SofficeConverter) Args(job Job) []string {
	convertTo := job.TargetFormat
	if job.FilterOptions != "" {
		convertTo += ":" + job.FilterOptions
	}
	return []string{
		"--headless",
		"--invisible",
		"--nocrashreport",
		"--nodefault",
		"--nologo",
		"--nofirststartwizard",
		"--norestore",
		"-env:UserInstallation=file://" + filepath.ToSlash(s.ProfileDir),
		"--convert-to", convertTo,
		"--outdir", job.OutputDir,
		job.InputPath,
	}
}

// Convert runs soffice and reads back the single file it writes.
func (s *SofficeConverter) Convert(ctx context.Context, job Job, logLine func(string)) ([]byte, error) {
	cmd := exec.CommandContext(ctx, s.Binary, s.Args(job)...)
	cmd.Dir = job.OutputDir
	cmd.Env = append(os.Environ(), "HOME="+s.ProfileDir)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", s.Binary, err)
	}

	var wg sync.WaitGroup
	var stderrMu sync.Mutex
	var stderrTail []string
	wg.Go(func() {
		pumpLines(stdoutPipe, logLine)
	})
	wg.Go(func() {
		pumpLines(stderrPipe, func(line string) {
			stderrMu.Lock()
			stderrTail = append(stderrTail, line)
			if len(stderrTail) > 5 {
				stderrTail = stderrTail[1:]
			}
			stderrMu.Unlock()
			logLine(line)
		})
	})
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("soffice: %w", ctxErr)
		}
		return nil, fmt.Errorf("soffice: %w: %s", err, strings.Join(stderrTail, "; "))
	}

	return readSingleOutput(job.OutputDir)
}

// pumpLines delivers each line read from r to fn until EOF. Once a line
// exceeds the scanner buffer the rest of r is discarded so the writer never
// blocks on a full pipe.
func pumpLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	io.Copy(io.Discard, r)
}

// readSingleOutput returns the content of the one regular file in dir.
func readSingleOutput(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read output dir: %w", err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			return os.ReadFile(filepath.Join(dir, e.Name()))
		}
	}
	return nil, errors.New("converter produced no output file")
}
