package vcs

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by backend operations.
//
// Backend methods return *BackendError; these sentinels match it by kind:
//
//	if errors.Is(err, vcs.ErrUnreadableFiles) {
//	    // user has to fix permissions
//	}
var (
	// ErrNotInVCS is returned when the path is not inside a repository.
	ErrNotInVCS = errors.New("not in a VCS repository")

	// ErrVCSNotAvailable is returned when the git or hg binary is missing.
	ErrVCSNotAvailable = errors.New("VCS binary not available")

	// ErrHostUnreachable is returned when the remote cannot be contacted.
	ErrHostUnreachable = errors.New("host unreachable")

	// ErrHostIdentityChanged is returned when the remote's host key changed.
	ErrHostIdentityChanged = errors.New("host identity changed")

	// ErrAuthenticationFailed is returned when the remote rejects our credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrDiskSpaceExceeded is returned when the local disk is full.
	ErrDiskSpaceExceeded = errors.New("disk space exceeded")

	// ErrUnreadableFiles is returned when files in the tree cannot be read.
	// This is not retried automatically.
	ErrUnreadableFiles = errors.New("unreadable files")

	// ErrNotFound is returned when the remote repository does not exist.
	ErrNotFound = errors.New("repository not found")

	// ErrBackend is the generic backend failure.
	ErrBackend = errors.New("backend error")
)

// ErrorKind classifies a BackendError
type ErrorKind int

const (
	KindGeneric ErrorKind = iota
	KindHostUnreachable
	KindHostIdentityChanged
	KindAuthenticationFailed
	KindDiskSpaceExceeded
	KindUnreadableFiles
	KindNotFound
)

// String returns a human-readable representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindHostUnreachable:
		return "host-unreachable"
	case KindHostIdentityChanged:
		return "host-identity-changed"
	case KindAuthenticationFailed:
		return "authentication-failed"
	case KindDiskSpaceExceeded:
		return "disk-space-exceeded"
	case KindUnreadableFiles:
		return "unreadable-files"
	case KindNotFound:
		return "not-found"
	default:
		return "generic"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindHostUnreachable:
		return ErrHostUnreachable
	case KindHostIdentityChanged:
		return ErrHostIdentityChanged
	case KindAuthenticationFailed:
		return ErrAuthenticationFailed
	case KindDiskSpaceExceeded:
		return ErrDiskSpaceExceeded
	case KindUnreadableFiles:
		return ErrUnreadableFiles
	case KindNotFound:
		return ErrNotFound
	default:
		return ErrBackend
	}
}

// BackendError is returned by every failing backend operation.
type BackendError struct {
	// Kind classifies the failure
	Kind ErrorKind

	// Op is the operation that failed (e.g. "push", "fetch")
	Op string

	// Output is the captured command output, if any
	Output string

	// Err is the underlying error
	Err error
}

// Error implements error.
func (e *BackendError) Error() string {
	msg := fmt.Sprintf("%s failed (%s)", e.Op, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += "\n" + out
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *BackendError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// NewError builds a BackendError of the given kind.
func NewError(kind ErrorKind, op string, err error) *BackendError {
	return &BackendError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, or KindGeneric if err is not a BackendError.
func KindOf(err error) ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindGeneric
}

// outputPatterns maps command output fragments to error kinds.
// Order matters: the first match wins.
var outputPatterns = []struct {
	kind     ErrorKind
	patterns []string
}{
	{KindHostIdentityChanged, []string{
		"remote host identification has changed",
		"host key verification failed",
	}},
	{KindAuthenticationFailed, []string{
		"permission denied (publickey",
		"authentication failed",
		"could not read username",
		"http authorization required",
		"abort: authorization failed",
	}},
	{KindDiskSpaceExceeded, []string{
		"no space left on device",
		"disk quota exceeded",
	}},
	{KindUnreadableFiles, []string{
		"unable to index file",
		"insufficient permission",
		"error: open(",
		"permission denied",
	}},
	{KindNotFound, []string{
		"repository not found",
		"does not appear to be a git repository",
		"does not exist",
		"abort: repository",
	}},
	{KindHostUnreachable, []string{
		"could not resolve host",
		"could not resolve hostname",
		"connection refused",
		"connection timed out",
		"network is unreachable",
		"no route to host",
		"operation timed out",
		"unable to access",
		"name or service not known",
	}},
}

// Classify wraps a failed command in a BackendError whose kind is derived
// from the command output. Returns nil if err is nil.
func Classify(op string, output []byte, err error) error {
	if err == nil {
		return nil
	}

	var be *BackendError
	if errors.As(err, &be) {
		return err
	}

	text := strings.ToLower(string(output))
	kind := KindGeneric
	for _, group := range outputPatterns {
		if containsAny(text, group.patterns) {
			kind = group.kind
			break
		}
	}

	return &BackendError{
		Kind:   kind,
		Op:     op,
		Output: string(output),
		Err:    err,
	}
}

func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsRetryable returns true if the error may succeed on a later attempt.
// UnreadableFiles needs the user to fix permissions and is not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrUnreadableFiles)
}

// IsUserActionRequired returns true if the error can only be fixed by the
// user (permissions, credentials, host keys).
func IsUserActionRequired(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrUnreadableFiles) ||
		errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrHostIdentityChanged)
}

// IsFatal returns true if the backend cannot operate at all.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrNotInVCS) || errors.Is(err, ErrVCSNotAvailable)
}
