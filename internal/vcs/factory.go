package vcs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"golang.org/x/mod/semver"
)

// Open creates a Backend for an existing working tree.
//
// Open will:
//  1. Detect the VCS type at opts.Root (unless opts.Type is set)
//  2. Check that the VCS binary is available
//  3. Create the implementation through the registry
func Open(opts Options) (Backend, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, err
	}
	opts.Root = root

	if opts.Type == "" {
		result, err := Detect(root)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", root, err)
		}
		opts.Type = result.Type
	}

	if !IsAvailable(opts.Type) {
		return nil, fmt.Errorf("%w: %s", ErrVCSNotAvailable, opts.Type)
	}

	reg, ok := getRegistration(opts.Type)
	if !ok {
		return nil, fmt.Errorf("no registered constructor for VCS type: %s (available: %v)", opts.Type, RegisteredTypes())
	}

	b, err := reg.ctor(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s backend: %w", opts.Type, err)
	}
	return b, nil
}

// Clone creates a working tree at dest from url and opens it.
// dest must not exist or be an empty directory.
func Clone(ctx context.Context, t Type, url, dest string, opts Options) (Backend, error) {
	reg, ok := getRegistration(t)
	if !ok {
		return nil, fmt.Errorf("no registered constructor for VCS type: %s (available: %v)", t, RegisteredTypes())
	}
	if reg.clone == nil {
		return nil, fmt.Errorf("%s backend does not support clone", t)
	}

	if entries, err := os.ReadDir(dest); err == nil && len(entries) > 0 {
		return nil, fmt.Errorf("clone destination %s is not empty", dest)
	}

	if err := reg.clone(ctx, url, dest, opts); err != nil {
		return nil, err
	}

	opts.Root = dest
	opts.Type = t
	opts.Remote = url
	return Open(opts)
}

// ===================
// Version Gate
// ===================

// MinimumVersion is the oldest supported binary version per backend,
// in semver form.
var MinimumVersion = map[Type]string{
	TypeGit: "v2.0.0",
	TypeHg:  "v4.0.0",
}

var versionRE = regexp.MustCompile(`([0-9]+)\.([0-9]+)(?:\.([0-9]+))?`)

// Semver extracts a semver string ("v2.43.0") from a version banner such
// as "git version 2.43.0" or "Mercurial Distributed SCM (version 6.7)".
// Returns "" if no version number is present.
func Semver(banner string) string {
	m := versionRE.FindStringSubmatch(banner)
	if m == nil {
		return ""
	}
	patch := m[3]
	if patch == "" {
		patch = "0"
	}
	v := fmt.Sprintf("v%s.%s.%s", m[1], m[2], patch)
	if !semver.IsValid(v) {
		return ""
	}
	return v
}

// CheckVersion returns an error if the backend's binary is older than
// MinimumVersion. Unknown types and unparsable banners are accepted.
func CheckVersion(b Backend) error {
	banner, err := b.Version()
	if err != nil {
		return err
	}
	return checkBanner(b.Name(), banner)
}

// CheckInstalled runs the binary for t and checks its version like
// CheckVersion. It returns the first line of the version banner.
func CheckInstalled(ctx context.Context, t Type) (string, error) {
	r := &Runner{Binary: string(t)}
	out, err := r.Run(ctx, "version", "--version")
	if err != nil {
		return "", err
	}
	lines := ParseLines(out)
	if len(lines) == 0 {
		return "", nil
	}
	return lines[0], checkBanner(t, lines[0])
}

func checkBanner(t Type, banner string) error {
	min, ok := MinimumVersion[t]
	if !ok {
		return nil
	}
	v := Semver(banner)
	if v == "" {
		return nil
	}
	if semver.Compare(v, min) < 0 {
		return fmt.Errorf("%s %s is older than the minimum supported %s", t, v, min)
	}
	return nil
}
