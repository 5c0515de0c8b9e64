package vcs

import (
	"errors"
	"fmt"
	"os/exec"
	"testing"
)

func TestClassify(t *testing.T) {
	failure := errors.New("exit status 128")

	tests := []struct {
		name   string
		output string
		want   error
		kind   ErrorKind
	}{
		{"dns", "ssh: Could not resolve hostname example.org: Name or service not known", ErrHostUnreachable, KindHostUnreachable},
		{"refused", "ssh: connect to host example.org port 22: Connection refused", ErrHostUnreachable, KindHostUnreachable},
		{"host key", "@@@ WARNING: REMOTE HOST IDENTIFICATION HAS CHANGED! @@@", ErrHostIdentityChanged, KindHostIdentityChanged},
		{"publickey", "git@example.org: Permission denied (publickey).", ErrAuthenticationFailed, KindAuthenticationFailed},
		{"disk", "fatal: write error: No space left on device", ErrDiskSpaceExceeded, KindDiskSpaceExceeded},
		{"unreadable", "error: open(\"secret.txt\"): Permission denied\nfatal: unable to index file secret.txt", ErrUnreadableFiles, KindUnreadableFiles},
		{"not found", "ERROR: Repository not found.", ErrNotFound, KindNotFound},
		{"generic", "fatal: something odd happened", ErrBackend, KindGeneric},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("push", []byte(tt.output), failure)
			if !errors.Is(err, tt.want) {
				t.Errorf("Classify(%q) = %v, want errors.Is %v", tt.output, err, tt.want)
			}
			if got := KindOf(err); got != tt.kind {
				t.Errorf("KindOf = %s, want %s", got, tt.kind)
			}
			if !errors.Is(err, failure) {
				t.Error("Expected underlying error to be preserved")
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	if err := Classify("push", []byte("Connection refused"), nil); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

func TestClassifyKeepsBackendError(t *testing.T) {
	orig := NewError(KindNotFound, "fetch", errors.New("boom"))
	wrapped := fmt.Errorf("sync: %w", orig)

	err := Classify("push", []byte("Connection refused"), wrapped)
	if KindOf(err) != KindNotFound {
		t.Errorf("Expected kind to be kept, got %s", KindOf(err))
	}
}

func TestBackendErrorDoesNotMatchOtherKinds(t *testing.T) {
	err := NewError(KindHostUnreachable, "push", nil)
	if errors.Is(err, ErrAuthenticationFailed) {
		t.Error("HostUnreachable should not match ErrAuthenticationFailed")
	}
	if errors.Is(err, ErrBackend) {
		t.Error("HostUnreachable should not match ErrBackend")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unreachable", NewError(KindHostUnreachable, "push", nil), true},
		{"generic", NewError(KindGeneric, "push", nil), true},
		{"unreadable", NewError(KindUnreadableFiles, "add", nil), false},
		{"wrapped unreadable", fmt.Errorf("sync up: %w", NewError(KindUnreadableFiles, "add", nil)), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsUserActionRequired(t *testing.T) {
	if !IsUserActionRequired(NewError(KindAuthenticationFailed, "push", nil)) {
		t.Error("Expected auth failure to require user action")
	}
	if IsUserActionRequired(NewError(KindHostUnreachable, "push", nil)) {
		t.Error("Expected host unreachable to not require user action")
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(fmt.Errorf("%w: git", ErrVCSNotAvailable)) {
		t.Error("Expected missing binary to be fatal")
	}
	if IsFatal(NewError(KindGeneric, "push", exec.ErrNotFound)) {
		t.Error("Expected generic backend error to not be fatal")
	}
}
