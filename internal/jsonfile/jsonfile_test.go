package jsonfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	in := map[string][]int{"a": {1, 2}}
	require.NoError(t, Write(path, in))

	var out map[string][]int
	require.NoError(t, Read(path, &out))
	assert.Equal(t, in, out)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestReadMissing(t *testing.T) {
	var v any
	assert.ErrorIs(t, Read(filepath.Join(t.TempDir(), "nope.json"), &v), os.ErrNotExist)
}
