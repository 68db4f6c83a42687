package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// DiskStore writes images below Dir/users and serves them from BaseURL/uploads/users.
type DiskStore struct {
	Dir     string
	BaseURL string
}

// NewDiskStore creates the users directory under dir.
func NewDiskStore(dir, baseURL string) (*DiskStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, "users"), 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskStore{Dir: dir, BaseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Save writes data under a fresh name keeping the original extension.
func (d *DiskStore) Save(_ context.Context, name, _ string, data []byte) (Object, error) {
	key := "users/" + uuid.NewString() + strings.ToLower(filepath.Ext(name))
	if err := os.WriteFile(filepath.Join(d.Dir, filepath.FromSlash(key)), data, 0o644); err != nil {
		return Object{}, fmt.Errorf("write image: %w", err)
	}
	return Object{URL: d.BaseURL + "/uploads/" + key, Key: key}, nil
}

// Delete removes a previously saved file. Missing files are not an error.
func (d *DiskStore) Delete(_ context.Context, key string) error {
	if key == "" {
		return nil
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("invalid media key %q", key)
	}
	err := os.Remove(filepath.Join(d.Dir, clean))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
