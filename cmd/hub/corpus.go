package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tunekit/internal/errs"
	"tunekit/internal/runlog"
	"tunekit/internal/speech"
)

var synthOpts struct {
	root    string
	words   []string
	perWord int
	rate    int
	seed    int64
}

// synthClip is a tone whose loudness and pitch stand in for pace and tone.
type synthClip struct {
	rel        string
	pace, tone float64
}

// synthCorpus writes a Speech Commands shaped tree under root and returns
// its clips. Every fifth clip goes to the validation list, every tenth
// to the testing list.
func synthCorpus(root string, words []string, perWord, rate int, seed int64) ([]synthClip, error) {
	dir := speech.CorpusDir(root)
	rng := rand.New(rand.NewSource(seed))
	var (
		clips      []synthClip
		validation []string
		testing    []string
	)
	for w, word := range words {
		if err := os.MkdirAll(filepath.Join(dir, word), 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
		}
		for i := 0; i < perWord; i++ {
			pace, tone := rng.Float64(), rng.Float64()
			rel := path.Join(word, fmt.Sprintf("%08x_nohash_%d.wav", w*1000+i/3, i%3))
			freq := 200 + 600*tone
			n := rate/2 + rng.Intn(rate/2+1)
			samples := make([]float32, n)
			for j := range samples {
				samples[j] = float32((0.1 + 0.8*pace) * math.Sin(2*math.Pi*freq*float64(j)/float64(rate)))
			}
			if err := speech.WriteWAV(filepath.Join(dir, filepath.FromSlash(rel)), samples, rate); err != nil {
				return nil, err
			}
			clips = append(clips, synthClip{rel: rel, pace: pace, tone: tone})
			switch k := len(clips); {
			case k%10 == 0:
				testing = append(testing, rel)
			case k%5 == 0:
				validation = append(validation, rel)
			}
		}
	}
	for name, list := range map[string][]string{"validation_list.txt": validation, "testing_list.txt": testing} {
		body := strings.Join(list, "\n")
		if body != "" {
			body += "\n"
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrIO, err)
		}
	}
	return clips, nil
}

// writeLabels writes the relative_path,pace,tone file read by TARGETS=labels.
func writeLabels(p string, clips []synthClip) error {
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"path", "pace", "tone"})
	for _, c := range clips {
		_ = w.Write([]string{c.rel, fmt.Sprintf("%.6f", c.pace), fmt.Sprintf("%.6f", c.tone)})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("%w: %v", errs.ErrIO, err)
	}
	return f.Close()
}

var synthCorpusCmd = &cobra.Command{
	Use:   "synth-corpus",
	Short: "Write a small synthetic Speech Commands corpus and label file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if synthOpts.perWord < 1 || len(synthOpts.words) == 0 {
			return fmt.Errorf("%w: need at least one word and one clip per word", errs.ErrConfig)
		}
		clips, err := synthCorpus(synthOpts.root, synthOpts.words, synthOpts.perWord, synthOpts.rate, synthOpts.seed)
		if err != nil {
			return err
		}
		labels := filepath.Join(synthOpts.root, "pace_tone_labels.csv")
		if err := writeLabels(labels, clips); err != nil {
			return err
		}
		logger.Info("synthetic corpus written",
			zap.String("dir", speech.CorpusDir(synthOpts.root)),
			zap.Int("clips", len(clips)),
			zap.String("labels", labels))
		return nil
	},
}

var runsDB string

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs recorded in a RUN_DB database",
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := runlog.Open(runsDB, logger)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrIO, err)
		}
		defer rec.Close()
		ctx := context.Background()
		runs, err := rec.Runs(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", errs.ErrIO, err)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tPIPELINE\tSTATUS\tSTARTED\tPOINTS\tLAST LOSS")
		for _, r := range runs {
			points, err := rec.Points(ctx, r.ID)
			if err != nil {
				return fmt.Errorf("%w: %v", errs.ErrIO, err)
			}
			last := "-"
			if len(points) > 0 {
				last = fmt.Sprintf("%.4f", points[len(points)-1].Loss)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.Pipeline, r.Status,
				r.StartedAt.Local().Format(time.DateTime), len(points), last)
		}
		return tw.Flush()
	},
}

func init() {
	f := synthCorpusCmd.Flags()
	f.StringVar(&synthOpts.root, "root", "./data", "data root; the corpus goes under SpeechCommands/")
	f.StringSliceVar(&synthOpts.words, "words", []string{"yes", "no", "up", "down"}, "class folders to create")
	f.IntVar(&synthOpts.perWord, "per-word", 20, "clips per word")
	f.IntVar(&synthOpts.rate, "rate", 16000, "sample rate of the written clips")
	f.Int64Var(&synthOpts.seed, "seed", 42, "seed")

	runsCmd.Flags().StringVar(&runsDB, "db", "runs.db", "run database")
}
