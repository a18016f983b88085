//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package identity

func kernelRelease() (string, error) {
	return "", nil
}
