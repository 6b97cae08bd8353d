package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const fileSuffix = "-block.txt"

// File stores one <dir>/<source>-block.txt per source holding the decimal
// block number.
type File struct {
	dir string

	// Serializes writers so the read-compare-rename sequence is atomic.
	mu sync.Mutex
}

// NewFile creates dir if needed.
func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &File{dir: dir}, nil
}

func (f *File) path(sourceID string) string {
	return filepath.Join(f.dir, sourceID+fileSuffix)
}

func (f *File) Get(_ context.Context, sourceID string) (uint64, bool, error) {
	return f.read(f.path(sourceID))
}

func (f *File) read(path string) (uint64, bool, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read %s: %w", path, err)
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse %s: %w", path, err)
	}
	return n, true, nil
}

func (f *File) Set(_ context.Context, sourceID string, block uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := f.path(sourceID)
	cur, ok, err := f.read(path)
	if err != nil {
		return err
	}
	if ok {
		if block < cur {
			return regression(sourceID, cur, block)
		}
		if block == cur {
			return nil
		}
	}

	tmp, err := os.CreateTemp(f.dir, "."+sourceID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(strconv.FormatUint(block, 10)); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}

func (f *File) Snapshot(context.Context) (map[string]uint64, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", f.dir, err)
	}

	out := make(map[string]uint64)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		n, ok, err := f.read(filepath.Join(f.dir, name))
		if err != nil {
			return nil, err
		}
		if ok {
			out[strings.TrimSuffix(name, fileSuffix)] = n
		}
	}
	return out, nil
}

func (f *File) Close() error { return nil }
