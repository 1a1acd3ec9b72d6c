// Package corpus turns a directory of text files into fixed-length token
// sequences for causal language-model training.
package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"tunekit/internal/errs"
)

// Document is the whitespace-trimmed content of one file.
type Document struct {
	Path string
	Text string
}

// Example is one tokenized document padded or truncated to max length.
type Example struct {
	InputIDs      []int
	AttentionMask []int
}

// Len is the number of real (unpadded) tokens.
func (e Example) Len() int {
	n := 0
	for _, m := range e.AttentionMask {
		n += m
	}
	return n
}

// Encoder tokenizes one document to exactly maxLength ids.
type Encoder interface {
	EncodeFixed(doc string, maxLength int) (ids, mask []int)
}

// ReadDocuments reads every *.txt file directly inside dir, in lexical
// order, skipping files that are empty after trimming whitespace.
func ReadDocuments(dir string, log *zap.Logger) ([]Document, error) {
	if log == nil {
		log = zap.NewNop()
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: data dir %s: %v", errs.ErrData, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: data dir %s is not a directory", errs.ErrData, dir)
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.txt"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrData, err)
	}
	sort.Strings(paths)

	docs := make([]Document, 0, len(paths))
	for _, p := range paths {
		fi, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrData, err)
		}
		if fi.IsDir() {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", errs.ErrData, p, err)
		}
		if !utf8.Valid(b) {
			return nil, fmt.Errorf("%w: %s is not valid UTF-8", errs.ErrData, p)
		}
		text := strings.TrimSpace(string(b))
		if text == "" {
			log.Debug("skipping empty file", zap.String("path", p))
			continue
		}
		docs = append(docs, Document{Path: p, Text: text})
	}
	log.Info("documents loaded", zap.String("dir", dir), zap.Int("files", len(paths)), zap.Int("documents", len(docs)))
	return docs, nil
}

// Tokenize encodes each document on its own, preserving order.
func Tokenize(docs []Document, enc Encoder, maxLength int) []Example {
	out := make([]Example, len(docs))
	for i, d := range docs {
		ids, mask := enc.EncodeFixed(d.Text, maxLength)
		out[i] = Example{InputIDs: ids, AttentionMask: mask}
	}
	return out
}

// Load is ReadDocuments followed by Tokenize.
func Load(dir string, enc Encoder, maxLength int, log *zap.Logger) ([]Example, error) {
	if maxLength < 1 {
		return nil, fmt.Errorf("%w: max_length must be >= 1", errs.ErrConfig)
	}
	docs, err := ReadDocuments(dir, log)
	if err != nil {
		return nil, err
	}
	return Tokenize(docs, enc, maxLength), nil
}

// Texts returns the document bodies.
func Texts(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Text
	}
	return out
}
