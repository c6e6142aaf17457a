// Package checkpoint opens model weights from GGUF, safetensors or PyTorch
// files and exposes them under Hugging Face tensor names.
package checkpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/headlands-org/go-stablelm/internal/gguf"
	"github.com/headlands-org/go-stablelm/internal/safetensors"
	"github.com/headlands-org/go-stablelm/internal/torch"
)

var ErrTensorNotFound = errors.New("tensor not found")

// Source is a read-only collection of named float32 tensors. Shapes are
// row-major: a linear weight is [out, in].
type Source interface {
	Names() []string
	Has(name string) bool
	Float32(name string) ([]float32, []int, error)
	Close() error
}

// Open picks the reader from the path: a .gguf file, a .safetensors file,
// a PyTorch .bin/.pt/.pth file, or a directory holding safetensors shards
// or PyTorch shards.
func Open(path string) (Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return openDir(path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".gguf":
		r, err := gguf.Open(path)
		if err != nil {
			return nil, err
		}
		return newGGUFSource(r), nil
	case ".safetensors":
		return safetensors.Open(path)
	case ".bin", ".pt", ".pth":
		return torch.Open(path)
	}
	return nil, fmt.Errorf("%s: unrecognized checkpoint format", path)
}

func openDir(dir string) (Source, error) {
	for _, pattern := range []string{"*.safetensors", "pytorch_model*.bin", "*.gguf"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			continue
		}
		slices.Sort(matches)
		if pattern == "*.gguf" {
			return Open(matches[0])
		}

		slog.Debug("opening checkpoint shards", "dir", dir, "pattern", pattern, "count", len(matches))
		var shards []Source
		for _, m := range matches {
			s, err := Open(m)
			if err != nil {
				closeAll(shards)
				return nil, err
			}
			shards = append(shards, s)
		}
		if len(shards) == 1 {
			return shards[0], nil
		}
		return newSharded(shards)
	}
	return nil, fmt.Errorf("%s: no model weights found", dir)
}

func closeAll(sources []Source) error {
	var errs []error
	for _, s := range sources {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Load reads a tensor and wraps a missing name in ErrTensorNotFound.
func Load(src Source, name string) ([]float32, []int, error) {
	if !src.Has(name) {
		return nil, nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return src.Float32(name)
}

// sharded merges several files of one checkpoint.
type sharded struct {
	shards []Source
	owner  map[string]Source
	names  []string
}

func newSharded(shards []Source) (*sharded, error) {
	s := &sharded{shards: shards, owner: make(map[string]Source)}
	for _, shard := range shards {
		for _, name := range shard.Names() {
			if _, dup := s.owner[name]; dup {
				closeAll(shards)
				return nil, fmt.Errorf("tensor %s appears in more than one shard", name)
			}
			s.owner[name] = shard
			s.names = append(s.names, name)
		}
	}
	slices.Sort(s.names)
	return s, nil
}

func (s *sharded) Names() []string { return slices.Clone(s.names) }

func (s *sharded) Has(name string) bool {
	_, ok := s.owner[name]
	return ok
}

func (s *sharded) Float32(name string) ([]float32, []int, error) {
	shard, ok := s.owner[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return shard.Float32(name)
}

func (s *sharded) Close() error { return closeAll(s.shards) }
