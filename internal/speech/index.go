// Package speech reads the Speech Commands corpus: downloading and
// extracting the archive, indexing its clips and decoding WAV audio.
package speech

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"tunekit/internal/errs"
)

const (
	Folder  = "SpeechCommands"
	Version = "speech_commands_v0.02"

	backgroundNoise = "_background_noise_"
	validationList  = "validation_list.txt"
	testingList     = "testing_list.txt"
)

// Subsets accepted by Open.
const (
	SubsetAll        = ""
	SubsetTraining   = "training"
	SubsetValidation = "validation"
	SubsetTesting    = "testing"
)

// Clip is one utterance. Path is relative to the corpus directory, with
// forward slashes, e.g. "yes/0a7c2a8d_nohash_0.wav".
type Clip struct {
	Path      string
	Label     string
	Speaker   string
	Utterance int
}

// Index lists the clips of one subset in a stable order.
type Index struct {
	Dir   string
	Clips []Clip
}

func (ix *Index) Len() int { return len(ix.Clips) }

// Abs returns the file path of clip i.
func (ix *Index) Abs(i int) string {
	return filepath.Join(ix.Dir, filepath.FromSlash(ix.Clips[i].Path))
}

// CorpusDir is where the corpus lives under root.
func CorpusDir(root string) string {
	return filepath.Join(root, Folder, Version)
}

// Open indexes the corpus in dir. The training subset is every clip not in
// validation_list.txt or testing_list.txt; the background-noise folder is
// never included.
func Open(dir, subset string) (*Index, error) {
	switch subset {
	case SubsetAll, SubsetTraining, SubsetValidation, SubsetTesting:
	default:
		return nil, fmt.Errorf("%w: unknown subset %q", errs.ErrConfig, subset)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: speech corpus: %v", errs.ErrData, err)
	}

	var clips []Clip
	for _, e := range entries {
		if !e.IsDir() || e.Name() == backgroundNoise || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		files, err := filepath.Glob(filepath.Join(dir, e.Name(), "*.wav"))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrData, err)
		}
		for _, f := range files {
			clips = append(clips, parseClip(e.Name(), filepath.Base(f)))
		}
	}
	sort.Slice(clips, func(i, j int) bool { return clips[i].Path < clips[j].Path })

	if subset != SubsetAll {
		val, err := readList(filepath.Join(dir, validationList))
		if err != nil {
			return nil, err
		}
		test, err := readList(filepath.Join(dir, testingList))
		if err != nil {
			return nil, err
		}
		kept := clips[:0]
		for _, c := range clips {
			inVal, inTest := val[c.Path], test[c.Path]
			switch subset {
			case SubsetTraining:
				if inVal || inTest {
					continue
				}
			case SubsetValidation:
				if !inVal {
					continue
				}
			case SubsetTesting:
				if !inTest {
					continue
				}
			}
			kept = append(kept, c)
		}
		clips = kept
	}
	return &Index{Dir: dir, Clips: clips}, nil
}

// parseClip reads "<speaker>_nohash_<n>.wav".
func parseClip(label, name string) Clip {
	c := Clip{Path: label + "/" + name, Label: label}
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.Split(stem, "_nohash_")
	c.Speaker = parts[0]
	if len(parts) == 2 {
		c.Utterance, _ = strconv.Atoi(parts[1])
	}
	return c
}

// readList loads a split file; a missing file is an empty list.
func readList(path string) (map[string]bool, error) {
	out := map[string]bool{}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrData, err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			out[filepath.ToSlash(line)] = true
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errs.ErrData, path, err)
	}
	return out, nil
}
