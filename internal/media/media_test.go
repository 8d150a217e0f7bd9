package media

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahemur0910/ChatAppliocation/internal/store"
)

// 1x1 transparent PNG
var pngBytes = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a,
	0x00, 0x00, 0x00, 0x0d, 0x49, 0x48, 0x44, 0x52,
}

func pngDataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngBytes)
}

func TestSaveDataURL(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, "/api/files", 1024)

	url, err := s.SaveDataURL(pngDataURL())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/api/files/"), "url = %q", url)
	assert.True(t, strings.HasSuffix(url, ".png"), "url = %q", url)

	name := strings.TrimPrefix(url, "/api/files/")
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestSaveDataURLRejectsMalformed(t *testing.T) {
	s := NewStore(t.TempDir(), "/api/files", 1024)

	for name, input := range map[string]string{
		"not a data url":   "http://example.com/pic.png",
		"missing comma":    "data:image/png;base64",
		"not base64 flag":  "data:image/png;quoted,abcd",
		"unsupported mime": "data:text/plain;base64,aGVsbG8=",
		"bad base64":       "data:image/png;base64,!!!!",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.SaveDataURL(input)
			assert.ErrorIs(t, err, store.ErrValidation)
		})
	}
}

func TestSaveDataURLSizeCap(t *testing.T) {
	s := NewStore(t.TempDir(), "/api/files", 8)

	big := make([]byte, 64)
	_, err := s.SaveDataURL("data:image/png;base64," + base64.StdEncoding.EncodeToString(big))
	assert.ErrorIs(t, err, store.ErrValidation)
}
