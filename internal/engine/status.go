package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/foldersync/internal/diskspace"
	"github.com/steveyegge/foldersync/internal/vcs"
)

// Status is the sync state of one folder
type Status int

const (
	StatusIdle Status = iota
	StatusSyncingUp
	StatusSyncingDown
	StatusError
)

var statusNames = map[Status]string{
	StatusIdle:        "idle",
	StatusSyncingUp:   "syncing_up",
	StatusSyncingDown: "syncing_down",
	StatusError:       "error",
}

// String returns a human-readable representation of the status.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

// IsSyncing returns true for SyncingUp and SyncingDown
func (s Status) IsSyncing() bool {
	return s == StatusSyncingUp || s == StatusSyncingDown
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for k, v := range statusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", b)
}

// ErrorStatus is the reason of the last failed sync
type ErrorStatus int

const (
	ErrorNone ErrorStatus = iota
	ErrorHostUnreachable
	ErrorHostIdentityChanged
	ErrorAuthenticationFailed
	ErrorDiskSpaceExceeded
	ErrorUnreadableFiles
	ErrorNotFound
	// ErrorUnknown covers backend failures without a more specific reason
	ErrorUnknown
)

var errorStatusNames = map[ErrorStatus]string{
	ErrorNone:                 "none",
	ErrorHostUnreachable:      "host_unreachable",
	ErrorHostIdentityChanged:  "host_identity_changed",
	ErrorAuthenticationFailed: "authentication_failed",
	ErrorDiskSpaceExceeded:    "disk_space_exceeded",
	ErrorUnreadableFiles:      "unreadable_files",
	ErrorNotFound:             "not_found",
	ErrorUnknown:              "unknown",
}

// String returns a human-readable representation of the error status.
func (s ErrorStatus) String() string {
	if n, ok := errorStatusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s ErrorStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ErrorStatus) UnmarshalText(b []byte) error {
	for k, v := range errorStatusNames {
		if v == string(b) {
			*s = k
			return nil
		}
	}
	return fmt.Errorf("unknown error status %q", b)
}

// errorStatusFor maps a sync failure to an ErrorStatus
func errorStatusFor(err error) ErrorStatus {
	if err == nil {
		return ErrorNone
	}
	if errors.Is(err, diskspace.ErrInsufficient) {
		return ErrorDiskSpaceExceeded
	}
	switch vcs.KindOf(err) {
	case vcs.KindHostUnreachable:
		return ErrorHostUnreachable
	case vcs.KindHostIdentityChanged:
		return ErrorHostIdentityChanged
	case vcs.KindAuthenticationFailed:
		return ErrorAuthenticationFailed
	case vcs.KindDiskSpaceExceeded:
		return ErrorDiskSpaceExceeded
	case vcs.KindUnreadableFiles:
		return ErrorUnreadableFiles
	case vcs.KindNotFound:
		return ErrorNotFound
	default:
		return ErrorUnknown
	}
}

// Poll intervals. Short is used while the announcer is unavailable.
const (
	PollShort = 5 * time.Minute
	PollLong  = 15 * time.Minute
)
