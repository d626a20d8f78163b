// Package localfs implements storage.Provider on a local workspace directory.
// Keys are slash separated paths relative to the root, e.g.
// "wecom_files/single_u1_1700000000_m1_ab12cd.png".
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/memohai/memoh-wecom/internal/storage"
)

// Provider stores objects as files under root.
type Provider struct {
	root string
}

// New creates a provider rooted at dir, creating it if needed.
func New(dir string) (*Provider, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Provider{root: abs}, nil
}

// Root returns the absolute workspace directory.
func (p *Provider) Root() string { return p.root }

// Put writes reader to a new file. Existing keys are rejected.
func (p *Provider) Put(_ context.Context, key string, reader io.Reader) error {
	dest, err := p.hostPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, reader); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("close file: %w", err)
	}
	return nil
}

// Open opens the file stored under key.
func (p *Provider) Open(_ context.Context, key string) (io.ReadCloser, error) {
	dest, err := p.hostPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete removes the file stored under key.
func (p *Provider) Delete(_ context.Context, key string) error {
	dest, err := p.hostPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// AccessPath returns the absolute host path for key, or "" for invalid keys.
func (p *Provider) AccessPath(key string) string {
	dest, err := p.hostPath(key)
	if err != nil {
		return ""
	}
	return dest
}

// List walks the directory containing prefix and returns matching files.
func (p *Provider) List(_ context.Context, prefix string) ([]storage.Object, error) {
	trailing := strings.HasSuffix(prefix, "/")
	prefix = strings.TrimPrefix(path.Clean("/"+prefix), "/")
	dir := path.Dir(prefix)
	if trailing && prefix != "" {
		dir = prefix
		prefix += "/"
	}
	if dir == "." {
		dir = ""
	}
	base := filepath.Join(p.root, filepath.FromSlash(dir))
	var out []storage.Object
	err := filepath.WalkDir(base, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && full == base {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.root, full)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		out = append(out, storage.Object{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}

func (p *Provider) hostPath(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("invalid storage key: %q", key)
	}
	if path.IsAbs(key) || filepath.IsAbs(key) {
		return "", fmt.Errorf("absolute key is forbidden: %s", key)
	}
	clean := path.Clean(filepath.ToSlash(key))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path traversal is forbidden: %s", key)
	}
	joined := filepath.Join(p.root, filepath.FromSlash(clean))
	if !strings.HasPrefix(joined, p.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace root: %s", key)
	}
	return joined, nil
}
