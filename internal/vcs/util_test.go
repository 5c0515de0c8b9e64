package vcs

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func TestParseLines(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected []string
	}{
		{
			name:     "empty input",
			input:    []byte(""),
			expected: nil,
		},
		{
			name:     "multiple lines",
			input:    []byte("line1\nline2\nline3"),
			expected: []string{"line1", "line2", "line3"},
		},
		{
			name:     "lines with whitespace",
			input:    []byte("  line1  \n  line2  "),
			expected: []string{"line1", "line2"},
		},
		{
			name:     "empty lines filtered",
			input:    []byte("line1\n\nline2\n\n\nline3\n"),
			expected: []string{"line1", "line2", "line3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseLines(tt.input)

			if len(result) != len(tt.expected) {
				t.Fatalf("Expected %d lines, got %d", len(tt.expected), len(result))
			}
			for i, line := range result {
				if line != tt.expected[i] {
					t.Errorf("Line %d: expected '%s', got '%s'", i, tt.expected[i], line)
				}
			}
		})
	}
}

func TestFirstWord(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"word", "word"},
		{"  first  second  ", "first"},
		{"first\nsecond", "first"},
	}

	for _, tt := range tests {
		if got := FirstWord([]byte(tt.input)); got != tt.expected {
			t.Errorf("FirstWord(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line    string
		percent float64
		speed   string
		ok      bool
	}{
		{"Receiving objects:  45% (9/20), 1.20 MiB | 512.00 KiB/s", 45, "512.00 KiB/s", true},
		{"Writing objects: 100% (3/3), 280 bytes | 280.00 KiB/s, done.", 100, "280.00 KiB/s", true},
		{"Counting objects: 12% (1/8)", 12, "", true},
		{"remote: Enumerating objects: 5, done.", 0, "", false},
	}

	for _, tt := range tests {
		percent, speed, ok := ParseProgress(tt.line)
		if ok != tt.ok || percent != tt.percent || speed != tt.speed {
			t.Errorf("ParseProgress(%q) = (%v, %q, %v), want (%v, %q, %v)",
				tt.line, percent, speed, ok, tt.percent, tt.speed, tt.ok)
		}
	}
}

func TestScanProgressLines(t *testing.T) {
	input := "Receiving objects:  10%\rReceiving objects:  50%\rReceiving objects: 100%\ndone\n"
	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Split(scanProgressLines)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	want := []string{"Receiving objects:  10%", "Receiving objects:  50%", "Receiving objects: 100%", "done"}
	if len(lines) != len(want) {
		t.Fatalf("Expected %d lines, got %d: %q", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestRunnerRun(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	r := &Runner{Binary: "sh", Dir: t.TempDir(), Timeout: 5 * time.Second}

	out, err := r.Run(context.Background(), "echo", "-c", "echo hello")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if TrimOutput(out) != "hello" {
		t.Errorf("Expected 'hello', got %q", out)
	}

	_, err = r.Run(context.Background(), "push", "-c", "echo 'fatal: Could not resolve host: example.org' >&2; exit 128")
	if !errors.Is(err, ErrHostUnreachable) {
		t.Errorf("Expected ErrHostUnreachable, got %v", err)
	}
	if GetExitCode(errors.Unwrap(err)) != 128 {
		t.Errorf("Expected exit code 128, got %d", GetExitCode(errors.Unwrap(err)))
	}
}

func TestRunnerMissingBinary(t *testing.T) {
	r := &Runner{Binary: "foldersync-no-such-binary", Dir: t.TempDir()}

	_, err := r.Run(context.Background(), "status")
	if !errors.Is(err, ErrVCSNotAvailable) {
		t.Errorf("Expected ErrVCSNotAvailable, got %v", err)
	}
}

func TestRunnerStream(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	r := &Runner{Binary: "sh", Dir: t.TempDir()}

	var seen []float64
	err := r.Stream(context.Background(), "fetch", func(line string) {
		if p, _, ok := ParseProgress(line); ok {
			seen = append(seen, p)
		}
	}, "-c", `printf 'Receiving objects:  20%%\rReceiving objects:  80%%\n' >&2`)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(seen) != 2 || seen[0] != 20 || seen[1] != 80 {
		t.Errorf("Expected progress [20 80], got %v", seen)
	}
}
