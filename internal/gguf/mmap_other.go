//go:build !unix

package gguf

import "os"

func mapFile(path string) ([]byte, func([]byte) error, error) {
	if _, err := fileSize(path); err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(path)
	return data, nil, err
}
