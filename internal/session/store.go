package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const recordExt = ".json"

// FileStore persists one JSON record per user under a root directory.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create conversation directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the directory holding the records.
func (s *FileStore) Root() string {
	return s.root
}

// Load returns the stored conversation for userID. A user without a record
// gets an empty conversation and no error.
func (s *FileStore) Load(ctx context.Context, userID string) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(userID))
	if errors.Is(err, fs.ErrNotExist) {
		return Conversation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation: %w", err)
	}

	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation for %q: %w", userID, err)
	}
	if conv == nil {
		conv = Conversation{}
	}
	return conv, nil
}

// Save replaces the stored conversation for userID.
func (s *FileStore) Save(ctx context.Context, userID string, conv Conversation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if conv == nil {
		conv = Conversation{}
	}

	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to encode conversation: %w", err)
	}
	if err := writeFileAtomic(s.path(userID), data, 0644); err != nil {
		return fmt.Errorf("failed to save conversation for %q: %w", userID, err)
	}
	return nil
}

// Reset deletes the stored conversation. Resetting a user without a record
// is not an error.
func (s *FileStore) Reset(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.path(userID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to reset conversation for %q: %w", userID, err)
	}
	return nil
}

func (s *FileStore) path(userID string) string {
	return filepath.Join(s.root, recordName(userID)+recordExt)
}

// recordName escapes every byte outside [A-Za-z0-9_-] as %XX. The mapping
// is one-to-one and never yields a separator, "." or "..".
func recordName(userID string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(userID); i++ {
		c := userID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
		}
	}
	if b.Len() == 0 {
		return "%"
	}
	return b.String()
}

// writeFileAtomic writes to a temp file in the target directory, syncs it
// and renames it over path, so readers see either the old or the new record.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	f, err := os.CreateTemp(dir, ".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := f.Name()

	success := false
	defer func() {
		if !success {
			f.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync data to disk: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, perm); err != nil {
		return fmt.Errorf("failed to set file permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
