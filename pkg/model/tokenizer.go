package model

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"tunekit/internal/jsonfile"
)

const (
	ModeChar = "char"
	ModeBPE  = "bpe_cl100k"

	TokenizerFileName       = "tokenizer.json"
	TokenizerConfigFileName = "tokenizer_config.json"
	SpecialTokensFileName   = "special_tokens_map.json"
)

// Tokenizer maps text to a compact local vocabulary. In char mode each rune
// is a token; in BPE mode tiktoken ids are remapped to the ids seen when the
// vocabulary was built. The two ids after the regular vocabulary are UNK and
// EOS.
type Tokenizer struct {
	Mode        string
	CharToLocal map[rune]int
	LocalToChar []rune
	BpeEncoding string
	Bpe         *tiktoken.Tiktoken
	BpeToLocal  map[int]int
	LocalToBPE  []int
	UnkID       int
	EosID       int
	// PadID is -1 when the tokenizer defines no pad token.
	PadID          int
	ModelMaxLength int
}

func (t *Tokenizer) VocabSize() int {
	return t.EosID + 1
}

// Encode tokenizes doc without special tokens.
func (t *Tokenizer) Encode(doc string) []int {
	if t.Mode == ModeBPE {
		raw := t.Bpe.EncodeOrdinary(doc)
		out := make([]int, 0, len(raw))
		for _, id := range raw {
			if local, ok := t.BpeToLocal[id]; ok {
				out = append(out, local)
			} else {
				out = append(out, t.UnkID)
			}
		}
		return out
	}
	out := make([]int, 0, len(doc))
	for _, r := range doc {
		if id, ok := t.CharToLocal[r]; ok {
			out = append(out, id)
		} else {
			out = append(out, t.UnkID)
		}
	}
	return out
}

func (t *Tokenizer) Decode(tokens []int) string {
	if t.Mode == ModeBPE {
		raw := make([]int, 0, len(tokens))
		for _, local := range tokens {
			if local >= 0 && local < len(t.LocalToBPE) {
				raw = append(raw, t.LocalToBPE[local])
			}
		}
		return t.Bpe.Decode(raw)
	}
	out := make([]rune, 0, len(tokens))
	for _, id := range tokens {
		if id >= 0 && id < len(t.LocalToChar) {
			out = append(out, t.LocalToChar[id])
		}
	}
	return string(out)
}

// HasPad reports whether a pad token is defined.
func (t *Tokenizer) HasPad() bool { return t.PadID >= 0 }

// UseEOSAsPad makes EOS the pad token when none is defined.
func (t *Tokenizer) UseEOSAsPad() {
	if !t.HasPad() {
		t.PadID = t.EosID
	}
}

// PadTokenID is the pad id, or EOS when no pad is defined.
func (t *Tokenizer) PadTokenID() int {
	if t.HasPad() {
		return t.PadID
	}
	return t.EosID
}

// EncodeFixed truncates doc to maxLength tokens and right-pads to exactly
// maxLength. mask is 1 for real tokens and 0 for padding.
func (t *Tokenizer) EncodeFixed(doc string, maxLength int) (ids, mask []int) {
	raw := t.Encode(doc)
	if len(raw) > maxLength {
		raw = raw[:maxLength]
	}
	ids = make([]int, maxLength)
	mask = make([]int, maxLength)
	pad := t.PadTokenID()
	for i := range ids {
		if i < len(raw) {
			ids[i] = raw[i]
			mask[i] = 1
		} else {
			ids[i] = pad
		}
	}
	return ids, mask
}

// NewCharTokenizer builds a char vocabulary from docs.
func NewCharTokenizer(docs []string) *Tokenizer {
	charset := map[rune]bool{}
	for _, d := range docs {
		for _, r := range d {
			charset[r] = true
		}
	}
	uchars := make([]rune, 0, len(charset))
	for r := range charset {
		uchars = append(uchars, r)
	}
	sort.Slice(uchars, func(i, j int) bool { return uchars[i] < uchars[j] })
	return charTokenizer(uchars)
}

func charTokenizer(uchars []rune) *Tokenizer {
	charToLocal := make(map[rune]int, len(uchars))
	for i, r := range uchars {
		charToLocal[r] = i
	}
	return &Tokenizer{
		Mode:        ModeChar,
		CharToLocal: charToLocal,
		LocalToChar: uchars,
		UnkID:       len(uchars),
		EosID:       len(uchars) + 1,
		PadID:       -1,
	}
}

// NewBPETokenizer keeps the tiktoken ids that occur in docs.
func NewBPETokenizer(encoding string, docs []string) (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	for _, d := range docs {
		for _, id := range enc.EncodeOrdinary(d) {
			seen[id] = true
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return bpeTokenizer(encoding, enc, ids), nil
}

func bpeTokenizer(encoding string, enc *tiktoken.Tiktoken, localToBPE []int) *Tokenizer {
	bpeToLocal := make(map[int]int, len(localToBPE))
	for i, id := range localToBPE {
		bpeToLocal[id] = i
	}
	return &Tokenizer{
		Mode:        ModeBPE,
		BpeEncoding: encoding,
		Bpe:         enc,
		BpeToLocal:  bpeToLocal,
		LocalToBPE:  localToBPE,
		UnkID:       len(localToBPE),
		EosID:       len(localToBPE) + 1,
		PadID:       -1,
	}
}

// TokenizerFile is the on-disk form of a Tokenizer.
type TokenizerFile struct {
	Version      int      `json:"version"`
	Tokenization string   `json:"tokenization"`
	BPEEncoding  string   `json:"bpe_encoding,omitempty"`
	BPETokenIDs  []int    `json:"bpe_token_ids,omitempty"`
	Vocab        []string `json:"vocab,omitempty"`
}

// TokenizerConfig carries the special-token ids.
type TokenizerConfig struct {
	UnkID          int `json:"unk_token_id"`
	EosID          int `json:"eos_token_id"`
	PadID          int `json:"pad_token_id"`
	ModelMaxLength int `json:"model_max_length,omitempty"`
}

type specialTokens struct {
	UnkToken string `json:"unk_token"`
	EosToken string `json:"eos_token"`
	PadToken string `json:"pad_token,omitempty"`
}

// File returns the serialisable vocabulary.
func (t *Tokenizer) File() TokenizerFile {
	f := TokenizerFile{Version: 1, Tokenization: t.Mode}
	if t.Mode == ModeBPE {
		f.BPEEncoding = t.BpeEncoding
		f.BPETokenIDs = append([]int(nil), t.LocalToBPE...)
		return f
	}
	f.Vocab = runesToStrings(t.LocalToChar)
	return f
}

// TokenizerFromFile rebuilds a Tokenizer; BPE mode loads the tiktoken ranks.
func TokenizerFromFile(f TokenizerFile, cfg TokenizerConfig) (*Tokenizer, error) {
	var t *Tokenizer
	if f.Tokenization == ModeBPE || len(f.BPETokenIDs) > 0 {
		encName := strings.TrimSpace(f.BPEEncoding)
		if encName == "" {
			encName = "cl100k_base"
		}
		enc, err := tiktoken.GetEncoding(encName)
		if err != nil {
			return nil, err
		}
		t = bpeTokenizer(encName, enc, append([]int(nil), f.BPETokenIDs...))
	} else {
		uchars, err := stringsToRunes(f.Vocab)
		if err != nil {
			return nil, err
		}
		if len(uchars) == 0 {
			return nil, fmt.Errorf("tokenizer has empty character vocab")
		}
		t = charTokenizer(uchars)
	}
	if cfg.EosID != 0 && cfg.EosID != t.EosID {
		return nil, fmt.Errorf("tokenizer config eos id %d does not match vocab (%d)", cfg.EosID, t.EosID)
	}
	t.PadID = cfg.PadID
	if t.PadID >= t.VocabSize() {
		return nil, fmt.Errorf("pad id %d outside vocab of %d", t.PadID, t.VocabSize())
	}
	t.ModelMaxLength = cfg.ModelMaxLength
	return t, nil
}

// SaveTokenizer writes tokenizer.json, tokenizer_config.json and
// special_tokens_map.json into dir.
func SaveTokenizer(dir string, t *Tokenizer) error {
	if err := jsonfile.Write(filepath.Join(dir, TokenizerFileName), t.File()); err != nil {
		return err
	}
	cfg := TokenizerConfig{UnkID: t.UnkID, EosID: t.EosID, PadID: t.PadID, ModelMaxLength: t.ModelMaxLength}
	if err := jsonfile.Write(filepath.Join(dir, TokenizerConfigFileName), cfg); err != nil {
		return err
	}
	st := specialTokens{UnkToken: "<unk>", EosToken: "<eos>"}
	if t.HasPad() {
		st.PadToken = "<eos>"
		if t.PadID != t.EosID {
			st.PadToken = "<pad>"
		}
	}
	return jsonfile.Write(filepath.Join(dir, SpecialTokensFileName), st)
}

// LoadTokenizer reads the files written by SaveTokenizer. A missing config
// file means no pad token.
func LoadTokenizer(dir string) (*Tokenizer, error) {
	var f TokenizerFile
	if err := jsonfile.Read(filepath.Join(dir, TokenizerFileName), &f); err != nil {
		return nil, err
	}
	cfg := TokenizerConfig{PadID: -1}
	if err := jsonfile.Read(filepath.Join(dir, TokenizerConfigFileName), &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return TokenizerFromFile(f, cfg)
}

func runesToStrings(rs []rune) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = string(r)
	}
	return out
}

func stringsToRunes(ss []string) ([]rune, error) {
	out := make([]rune, 0, len(ss))
	for _, s := range ss {
		r := []rune(s)
		if len(r) != 1 {
			return nil, fmt.Errorf("invalid vocab token %q: expected one rune", s)
		}
		out = append(out, r[0])
	}
	return out, nil
}
