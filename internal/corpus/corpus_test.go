package corpus

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunekit/internal/errs"
	"tunekit/pkg/model"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func TestLoadEveryExampleHasMaxLength(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"a.txt": "short",
		"b.txt": "a considerably longer document than the limit allows",
		"c.txt": "exactly8",
	})
	tok := model.NewCharTokenizer([]string{"short a considerably longer document than the limit allows exactly8"})
	examples, err := Load(dir, tok, 8, nil)
	require.NoError(t, err)
	require.Len(t, examples, 3)
	for _, ex := range examples {
		assert.Len(t, ex.InputIDs, 8)
		assert.Len(t, ex.AttentionMask, 8)
	}
	assert.Equal(t, 5, examples[0].Len())
	assert.Equal(t, 8, examples[1].Len())
	assert.Equal(t, tok.EosID, examples[0].InputIDs[7])
}

func TestLoadSkipsEmptyFiles(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"1.txt":     "one",
		"2.txt":     "   \n\t ",
		"3.txt":     "three",
		"4.txt":     "",
		"5.txt":     "five",
		"notes.md":  "ignored",
		"6.txt.bak": "ignored",
	})
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "7.txt"), []byte("nested"), 0o644))

	docs, err := ReadDocuments(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "three", "five"}, Texts(docs))
}

func TestLoadIsIdempotent(t *testing.T) {
	dir := writeFiles(t, map[string]string{"b.txt": " beta ", "a.txt": "alpha"})
	tok := model.NewCharTokenizer([]string{"alphabeta"})
	first, err := Load(dir, tok, 6, nil)
	require.NoError(t, err)
	second, err := Load(dir, tok, 6, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "alpha", tok.Decode(first[0].InputIDs[:first[0].Len()]))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing"), model.NewCharTokenizer(nil), 4, nil)
	assert.True(t, errors.Is(err, errs.ErrData))

	dir := writeFiles(t, map[string]string{"bad.txt": string([]byte{0xff, 0xfe, 'a'})})
	_, err = Load(dir, model.NewCharTokenizer(nil), 4, nil)
	assert.True(t, errors.Is(err, errs.ErrData))

	empty := t.TempDir()
	examples, err := Load(empty, model.NewCharTokenizer(nil), 4, nil)
	require.NoError(t, err)
	assert.Empty(t, examples)
}
