//go:build unix

package gguf

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// mapFile maps path read-only. Files smaller than a page are read instead.
func mapFile(path string) ([]byte, func([]byte) error, error) {
	size, err := fileSize(path)
	if err != nil {
		return nil, nil, err
	}
	if size < int64(os.Getpagesize()) {
		data, err := os.ReadFile(path)
		return data, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return data, unix.Munmap, nil
}
