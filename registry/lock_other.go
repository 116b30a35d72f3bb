//go:build !unix

package registry

// lockFile is a no-op where flock(2) is unavailable; the file registry is
// then safe for a single process only.
func lockFile(string) (func(), error) {
	return func() {}, nil
}
