//go:build !unix

package actionqueue

// No advisory locking outside unix; the store is single-process there.
func lockFile(path string) (func(), error) {
	return func() {}, nil
}

func isNoSpace(err error) bool {
	return false
}
