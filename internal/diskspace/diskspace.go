// Package diskspace reports free space on the filesystem holding a path.
package diskspace

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned where the platform offers no probe
var ErrUnsupported = errors.New("free space probe not supported on this platform")

// ErrInsufficient is returned by Check when free space is below the minimum
var ErrInsufficient = errors.New("insufficient free disk space")

// Check returns an error wrapping ErrInsufficient if the filesystem holding
// path has less than min bytes available to unprivileged users.
// A min of zero disables the check. Unsupported platforms pass.
func Check(path string, min uint64) error {
	if min == 0 {
		return nil
	}
	free, err := Free(path)
	if errors.Is(err, ErrUnsupported) {
		return nil
	}
	if err != nil {
		return err
	}
	if free < min {
		return fmt.Errorf("%w: %d bytes free at %s, need %d", ErrInsufficient, free, path, min)
	}
	return nil
}
