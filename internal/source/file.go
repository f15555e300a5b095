package source

import (
	"context"
	"fmt"
	"os"
)

// File reads descriptors from a local text file.
type File struct {
	name string
	path string
}

func NewFile(name, path string) *File { return &File{name: name, path: path} }

func (f *File) Name() string { return f.name }

func (f *File) Fetch(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	return Extract(string(data)), nil
}
