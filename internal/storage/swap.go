package storage

import "os"

// renameAside swaps a and b with three renames through a temporary name.
func renameAside(a, b string) error {
	tmp := b + ".swap-old"
	if err := os.Rename(b, tmp); err != nil {
		return err
	}
	if err := os.Rename(a, b); err != nil {
		_ = os.Rename(tmp, b)
		return err
	}
	return os.Rename(tmp, a)
}
