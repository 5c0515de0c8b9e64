package vcs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ===================
// Command Execution Utilities
// ===================

// Runner executes VCS commands inside one working tree.
// It is shared by the git and hg implementations.
type Runner struct {
	// Binary is the executable name ("git" or "hg")
	Binary string

	// Dir is the working directory for every command
	Dir string

	// Env is appended to the process environment
	Env []string

	// Timeout bounds a single invocation. Zero means no limit.
	Timeout time.Duration

	// Logger receives one debug line per command. Nil discards.
	Logger *slog.Logger
}

func (r *Runner) command(ctx context.Context, args []string) (*exec.Cmd, context.CancelFunc) {
	cancel := context.CancelFunc(func() {})
	if r.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
	}

	cmd := exec.CommandContext(ctx, r.Binary, args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), r.Env...)
	return cmd, cancel
}

func (r *Runner) log(args []string, start time.Time, err error) {
	if r.Logger == nil {
		return
	}
	r.Logger.Debug("vcs command",
		"cmd", r.Binary+" "+strings.Join(args, " "),
		"dir", r.Dir,
		"duration", time.Since(start),
		"error", err)
}

// Run executes the command and returns its stdout.
//
// On failure the error is a *BackendError classified from stderr, or wraps
// ErrVCSNotAvailable when the binary cannot be found.
//
// Example:
//
//	out, err := r.Run(ctx, "status", "status", "--porcelain")
func (r *Runner) Run(ctx context.Context, op string, args ...string) ([]byte, error) {
	cmd, cancel := r.command(ctx, args)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	r.log(args, start, err)

	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrVCSNotAvailable, r.Binary)
		}
		// Some tools report failures on stdout
		output := append(stderr.Bytes(), stdout.Bytes()...)
		return stdout.Bytes(), Classify(op, output, err)
	}

	return stdout.Bytes(), nil
}

// Stream executes the command and passes every stderr line to onLine as it
// arrives. Lines are split on both "\n" and "\r" so in-place progress
// updates are seen individually. onLine may be nil.
func (r *Runner) Stream(ctx context.Context, op string, onLine func(string), args ...string) error {
	cmd, cancel := r.command(ctx, args)
	defer cancel()

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	pipe, err := cmd.StderrPipe()
	if err != nil {
		return NewError(KindGeneric, op, err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.log(args, start, err)
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrVCSNotAvailable, r.Binary)
		}
		return NewError(KindGeneric, op, err)
	}

	var captured bytes.Buffer
	scanner := bufio.NewScanner(pipe)
	scanner.Split(scanProgressLines)
	for scanner.Scan() {
		line := scanner.Text()
		captured.WriteString(line)
		captured.WriteByte('\n')
		if onLine != nil {
			onLine(line)
		}
	}
	// Drain whatever the scanner gave up on so Wait does not block
	_, _ = io.Copy(io.Discard, pipe)

	err = cmd.Wait()
	r.log(args, start, err)
	if err != nil {
		output := append(captured.Bytes(), stdout.Bytes()...)
		return Classify(op, output, err)
	}
	return nil
}

// scanProgressLines is a bufio.SplitFunc that splits on '\n' or '\r'.
func scanProgressLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimSpace(data[:i]), nil
	}
	if atEOF {
		return len(data), bytes.TrimSpace(data), nil
	}
	return 0, nil, nil
}

// ===================
// Progress Parsing
// ===================

var (
	progressPercentRE = regexp.MustCompile(`([0-9]+)%`)
	progressSpeedRE   = regexp.MustCompile(`([0-9.]+ [KMG]?i?B/s)`)
)

// ParseProgress extracts a percentage and transfer speed from a progress
// line such as:
//
//	Receiving objects:  45% (9/20), 1.20 MiB | 512.00 KiB/s
//
// ok is false when the line carries no percentage.
func ParseProgress(line string) (percent float64, speed string, ok bool) {
	m := progressPercentRE.FindStringSubmatch(line)
	if m == nil {
		return 0, "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	if n > 100 {
		n = 100
	}
	if s := progressSpeedRE.FindStringSubmatch(line); s != nil {
		speed = s[1]
	}
	return float64(n), speed, true
}

// ===================
// Output Parsing Utilities
// ===================

// ParseLines splits command output into non-empty lines.
// This is a common pattern for parsing VCS command output.
func ParseLines(output []byte) []string {
	if len(output) == 0 {
		return nil
	}

	lines := strings.Split(string(output), "\n")
	result := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			result = append(result, line)
		}
	}

	return result
}

// TrimOutput trims whitespace and trailing newlines from command output.
func TrimOutput(output []byte) string {
	return strings.TrimSpace(string(output))
}

// FirstWord returns the first whitespace-separated word from output.
// Useful for extracting single values from command output.
func FirstWord(output []byte) string {
	fields := strings.Fields(TrimOutput(output))
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// ===================
// Error Utilities
// ===================

// GetExitCode returns the exit code from an error, or -1 if not an exit error.
func GetExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return -1
}
