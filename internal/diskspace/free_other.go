//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package diskspace

// Free is not implemented on this platform.
func Free(path string) (uint64, error) {
	return 0, ErrUnsupported
}
