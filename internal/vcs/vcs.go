// Package vcs defines the repository backend used by the sync engine.
//
// A Backend wraps one version control working tree (git or Mercurial) and
// exposes the handful of blocking operations the engine needs: stage,
// commit, push, fetch, merge or rebase, and history queries. The engine
// depends only on this interface; concrete implementations live in
// internal/vcs/git and internal/vcs/hg and register themselves with the
// constructor registry from their init() functions.
//
// # Usage
//
//	b, err := vcs.Open(vcs.Options{
//	    Root:      "/home/me/Documents/shared",
//	    Type:      vcs.TypeGit,
//	    UserName:  "Ada",
//	    UserEmail: "ada@example.com",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := b.StageAll(ctx); err != nil { ... }
//	rev, committed, err := b.Commit(ctx, vcs.CommitMessage(statuses))
//
// # Conflict policy
//
// MergeOrRebase never leaves the tree conflicted. For every path-level
// conflict the remote version stays at the original path and the local
// version is renamed with ConflictName; the renames are committed before
// MergeOrRebase returns.
package vcs

import (
	"context"
	"log/slog"
	"time"
)

// Type represents the VCS backend type
type Type string

const (
	// TypeGit indicates a git working tree
	TypeGit Type = "git"

	// TypeHg indicates a Mercurial working tree
	TypeHg Type = "hg"
)

// String returns the string representation of the VCS type
func (t Type) String() string {
	return string(t)
}

// ProgressFunc receives transfer progress from push and fetch.
// percent is in the range 0-100; speed is a human readable rate and may be empty.
type ProgressFunc func(percent float64, speed string)

// Backend defines the repository operations consumed by the sync engine.
//
// All methods block until the underlying VCS command finishes. Errors are
// returned as *BackendError so callers can classify them with errors.Is
// against the Err* sentinels.
type Backend interface {
	// ===================
	// Identity
	// ===================

	// Name returns the VCS type
	Name() Type

	// Version returns the VCS binary version string
	Version() (string, error)

	// Root returns the working tree root
	Root() string

	// MetaDir returns the VCS metadata directory (.git or .hg).
	// Files placed here are never committed.
	MetaDir() string

	// ===================
	// Sync-up
	// ===================

	// StageAll stages every working tree change, including deletions.
	StageAll(ctx context.Context) error

	// Commit commits the staged tree. When nothing is staged it returns
	// committed=false and a nil error.
	Commit(ctx context.Context, message string) (rev string, committed bool, err error)

	// Push pushes the current branch to the remote.
	Push(ctx context.Context, progress ProgressFunc) error

	// ===================
	// Sync-down
	// ===================

	// Fetch downloads remote history without touching the working tree.
	Fetch(ctx context.Context, progress ProgressFunc) error

	// MergeOrRebase integrates fetched history into the working tree,
	// resolving conflicts with the keep-both policy.
	MergeOrRebase(ctx context.Context) (MergeOutcome, error)

	// ===================
	// Queries
	// ===================

	// CurrentRevision returns the revision id of the working tree parent.
	CurrentRevision(ctx context.Context) (string, error)

	// Log returns up to limit change sets, newest first.
	Log(ctx context.Context, limit int) ([]ChangeSet, error)

	// HasLocalChanges returns true if the working tree differs from the
	// current revision.
	HasLocalChanges(ctx context.Context) (bool, error)

	// HasRemoteChanges returns true if the remote head differs from the
	// current revision. This may contact the remote.
	HasRemoteChanges(ctx context.Context) (bool, error)

	// Status returns the working tree status, used to build commit messages.
	Status(ctx context.Context) ([]FileStatus, error)
}

// ===================
// Supporting Types
// ===================

// Options configures a backend instance
type Options struct {
	// Root is the working tree root (absolute)
	Root string

	// Type selects the backend. Empty means detect from Root.
	Type Type

	// Remote is the remote URL, used to configure the default remote when
	// the working tree has none.
	Remote string

	// UserName and UserEmail are used as commit author and to name
	// conflict copies.
	UserName  string
	UserEmail string

	// CommandTimeout bounds a single VCS invocation. Zero means no limit.
	CommandTimeout time.Duration

	// Logger receives debug output for every command. Nil discards.
	Logger *slog.Logger
}

// FileStatus represents the status of a file in the working directory
type FileStatus struct {
	// Path is the file path relative to repository root
	Path string

	// OldPath is set for renames
	OldPath string

	// Status is the working directory status
	Status StatusCode

	// StagedCode is the staging area status (git only)
	StagedCode StatusCode
}

// Code returns the most significant of the staged and unstaged codes.
func (fs FileStatus) Code() StatusCode {
	if fs.StagedCode != StatusUnmodified && fs.StagedCode != "" {
		return fs.StagedCode
	}
	return fs.Status
}

// StatusCode represents file status codes
type StatusCode string

const (
	StatusUnmodified StatusCode = " " // No changes
	StatusModified   StatusCode = "M" // Modified
	StatusAdded      StatusCode = "A" // Added/new file
	StatusDeleted    StatusCode = "D" // Deleted
	StatusRenamed    StatusCode = "R" // Renamed
	StatusCopied     StatusCode = "C" // Copied
	StatusUntracked  StatusCode = "?" // Untracked
	StatusIgnored    StatusCode = "!" // Ignored
	StatusConflict   StatusCode = "U" // Unmerged/conflict
)

// ChangeKind is the kind of a per-file change inside a ChangeSet
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeEdited
	ChangeDeleted
	ChangeMoved
)

// String returns a human-readable representation of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeEdited:
		return "edited"
	case ChangeDeleted:
		return "deleted"
	case ChangeMoved:
		return "moved"
	default:
		return "unknown"
	}
}

// Change is a single file change within a ChangeSet
type Change struct {
	Kind ChangeKind `json:"kind"`

	// Path is the file path after the change
	Path string `json:"path"`

	// OldPath is the path before a move
	OldPath string `json:"old_path,omitempty"`
}

// Author identifies the user who made a revision
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// ChangeSet is one historical revision. It is read-only; the engine
// replaces its list wholesale after every sync.
type ChangeSet struct {
	Revision  string    `json:"revision"`
	Author    Author    `json:"author"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
	Changes   []Change  `json:"changes"`
}

// OnlyTouches returns true if every change in the set is to path.
func (cs ChangeSet) OnlyTouches(path string) bool {
	if len(cs.Changes) == 0 {
		return false
	}
	for _, c := range cs.Changes {
		if c.Path != path {
			return false
		}
	}
	return true
}

// MergeKind describes what MergeOrRebase did
type MergeKind int

const (
	// MergeUpToDate means there was nothing to integrate
	MergeUpToDate MergeKind = iota

	// MergeMerged means remote changes were integrated cleanly
	MergeMerged

	// MergeConflictsResolved means conflicts were resolved by renaming
	MergeConflictsResolved
)

// String returns a human-readable representation of the merge kind.
func (k MergeKind) String() string {
	switch k {
	case MergeUpToDate:
		return "up-to-date"
	case MergeMerged:
		return "merged"
	case MergeConflictsResolved:
		return "conflicts-resolved"
	default:
		return "unknown"
	}
}

// Rename records one conflict copy created by the keep-both policy
type Rename struct {
	// Path is the conflicted path, now holding the remote version
	Path string

	// ConflictPath holds the local version
	ConflictPath string
}

// MergeOutcome is the result of MergeOrRebase
type MergeOutcome struct {
	Kind    MergeKind
	Renamed []Rename
}

// ===================
// Constants
// ===================

// DefaultRemote is the remote name used when the working tree has none configured
const DefaultRemote = "origin"

// DefaultLogLimit is the number of change sets the engine keeps in memory
const DefaultLogLimit = 30
