//go:build !linux

package storage

// exchange swaps the directory entries a and b. Without an atomic
// exchange primitive there is a short window where b does not exist.
func exchange(a, b string) error {
	return renameAside(a, b)
}
