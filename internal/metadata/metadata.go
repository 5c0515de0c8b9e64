// Package metadata persists per-folder sync state.
//
// Two pieces of state survive restarts:
//
//   - the folder identifier, stored as TOML in a hidden file at the root of
//     the working tree and committed with the folder so that every client
//     shares it;
//   - the unsynced flag, a sentinel file inside the VCS metadata directory
//     that is present while a local commit has not been pushed.
package metadata

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"
)

// IdentifierFile is the name of the identifier file at the folder root.
const IdentifierFile = ".foldersync"

// UnsyncedFile is the sentinel created inside the VCS metadata directory.
const UnsyncedFile = "foldersync_unsynced"

// ErrInvalid is returned when the identifier file exists but cannot be used.
var ErrInvalid = errors.New("invalid folder metadata")

// Identity is the content of the identifier file.
type Identity struct {
	Identifier string    `toml:"identifier"`
	CreatedAt  time.Time `toml:"created_at"`
}

// Metadata gives access to one folder's persisted state.
type Metadata struct {
	root     string
	metaDir  string
	identity Identity
	created  bool
}

// Open loads the identifier file under root, creating it with a fresh
// identifier if it does not exist. metaDir is the VCS metadata directory
// that holds the unsynced sentinel.
//
// An existing file is never rewritten, so the identifier stays stable.
func Open(root, metaDir string) (*Metadata, error) {
	m := &Metadata{root: root, metaDir: metaDir}

	id, err := load(m.IdentifierPath())
	switch {
	case err == nil:
		m.identity = id
	case errors.Is(err, os.ErrNotExist):
		id = Identity{
			Identifier: uuid.New().String(),
			CreatedAt:  time.Now().UTC().Truncate(time.Second),
		}
		if err := write(m.IdentifierPath(), id); err != nil {
			return nil, err
		}
		m.identity = id
		m.created = true
	default:
		return nil, err
	}

	return m, nil
}

func load(path string) (Identity, error) {
	var id Identity
	data, err := os.ReadFile(path)
	if err != nil {
		return id, err
	}
	if _, err := toml.Decode(string(data), &id); err != nil {
		return id, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	id.Identifier = strings.TrimSpace(id.Identifier)
	if id.Identifier == "" {
		return id, fmt.Errorf("%w: %s has no identifier", ErrInvalid, path)
	}
	return id, nil
}

func write(path string, id Identity) error {
	var buf bytes.Buffer
	buf.WriteString("# Shared by every client syncing this folder. Do not edit.\n")
	if err := toml.NewEncoder(&buf).Encode(id); err != nil {
		return err
	}

	// Write to a temp file first so a crash never leaves a truncated file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Identifier returns the folder identifier.
func (m *Metadata) Identifier() string {
	return m.identity.Identifier
}

// Identity returns the full identifier file content.
func (m *Metadata) Identity() Identity {
	return m.identity
}

// Created returns true if Open generated a new identifier.
func (m *Metadata) Created() bool {
	return m.created
}

// IdentifierPath returns the absolute path of the identifier file.
func (m *Metadata) IdentifierPath() string {
	return filepath.Join(m.root, IdentifierFile)
}

// IsIdentifierFile returns true if rel (relative to the root) names the
// identifier file.
func IsIdentifierFile(rel string) bool {
	return filepath.ToSlash(filepath.Clean(rel)) == IdentifierFile
}

func (m *Metadata) unsyncedPath() string {
	return filepath.Join(m.metaDir, UnsyncedFile)
}

// SetUnsynced records whether a local commit is waiting to be pushed.
func (m *Metadata) SetUnsynced(pending bool) error {
	path := m.unsyncedPath()
	if !pending {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}

	stamp := []byte(time.Now().UTC().Format(time.RFC3339) + "\n")
	return os.WriteFile(path, stamp, 0o644)
}

// Unsynced returns true if the sentinel is present.
func (m *Metadata) Unsynced() bool {
	_, err := os.Stat(m.unsyncedPath())
	return err == nil
}
