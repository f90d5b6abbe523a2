// Package prefs caches per-user preferences across sessions.
package prefs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/weiawesome/ephemeral-chat/pkg/storage"
)

// DisplayNameKey is the key under which the last used display name lives.
const DisplayNameKey = "chat_display_name"

// Store reads and writes preferences through a storage backend.
type Store struct {
	backend storage.Storage
}

func New(backend storage.Storage) *Store {
	return &Store{backend: backend}
}

// DisplayName returns the cached display name, or "" when none is stored.
func (s *Store) DisplayName(ctx context.Context) (string, error) {
	rc, err := s.backend.Read(ctx, DisplayNameKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, 1024))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// SetDisplayName caches name. An empty name clears the cache.
func (s *Store) SetDisplayName(ctx context.Context, name string) error {
	if name == "" {
		return s.backend.Delete(ctx, DisplayNameKey)
	}
	data := []byte(name)
	return s.backend.Write(ctx, DisplayNameKey, bytes.NewReader(data), int64(len(data)), "text/plain; charset=utf-8")
}
