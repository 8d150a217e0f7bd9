package media

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/rahemur0910/ChatAppliocation/internal/store"
)

// Store saves inline image attachments and hands back the URL they will be
// served under. Callers send a data URL in, get a path out; nothing else
// about storage leaks into the message flow.
type Store struct {
	dir     string
	urlBase string
	maxSize int64
}

var extByMime = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

func NewStore(dir, urlBase string, maxSize int64) *Store {
	return &Store{dir: dir, urlBase: strings.TrimSuffix(urlBase, "/"), maxSize: maxSize}
}

// SaveDataURL decodes a base64 image data URL ("data:image/png;base64,...")
// writes it under the storage dir with a random name, and returns the
// public URL. Malformed or oversized input fails with store.ErrValidation.
func (s *Store) SaveDataURL(dataURL string) (string, error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return "", fmt.Errorf("%w: image must be a data URL", store.ErrValidation)
	}

	meta, encoded, ok := strings.Cut(dataURL[len("data:"):], ",")
	if !ok {
		return "", fmt.Errorf("%w: malformed data URL", store.ErrValidation)
	}

	mimeType, params, _ := strings.Cut(meta, ";")
	if params != "base64" {
		return "", fmt.Errorf("%w: image data must be base64 encoded", store.ErrValidation)
	}

	ext, ok := extByMime[mimeType]
	if !ok {
		return "", fmt.Errorf("%w: unsupported image type %q", store.ErrValidation, mimeType)
	}

	// Base64 expands by 4/3, so this bounds the decoded size before decoding
	if s.maxSize > 0 && int64(len(encoded)) > s.maxSize*4/3+4 {
		return "", fmt.Errorf("%w: image exceeds %d bytes", store.ErrValidation, s.maxSize)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64 image data", store.ErrValidation)
	}
	if s.maxSize > 0 && int64(len(data)) > s.maxSize {
		return "", fmt.Errorf("%w: image exceeds %d bytes", store.ErrValidation, s.maxSize)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create storage dir: %w", err)
	}

	name := uuid.NewString() + ext
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write image: %w", err)
	}

	return s.urlBase + "/" + name, nil
}
