package trainer

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"tunekit/internal/config"
	"tunekit/internal/corpus"
	"tunekit/internal/errs"
	"tunekit/internal/precision"
	"tunekit/internal/telemetry"
	"tunekit/pkg/model"
)

var docs = map[string]string{
	"a.txt":     "the quick brown fox jumps over the lazy dog",
	"b.txt":     "  pack my box with five dozen liquor jugs\n",
	"c.txt":     "how vexingly quick daft zebras jump",
	"empty.txt": " \n\t ",
}

type fixture struct {
	gpt      *model.GPT
	tok      *model.Tokenizer
	examples []corpus.Example
	cfg      config.FinetuneConfig
}

func setup(t *testing.T) fixture {
	t.Helper()
	dataDir := t.TempDir()
	texts := make([]string, 0, len(docs))
	for name, body := range docs {
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, name), []byte(body), 0o644))
		texts = append(texts, body)
	}
	tok := model.NewCharTokenizer(texts)
	tok.UseEOSAsPad()
	gpt, err := model.New(model.Config{VocabSize: tok.VocabSize(), NLayer: 1, NEmbd: 8, NHead: 2, BlockSize: 16}, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	require.NoError(t, model.ApplyLoRA(gpt, model.DefaultLoRA(), rand.New(rand.NewSource(8))))

	examples, err := corpus.Load(dataDir, tok, 16, nil)
	require.NoError(t, err)

	cfg := config.DefaultFinetune()
	cfg.DataDir = dataDir
	cfg.OutputDir = t.TempDir()
	cfg.Epochs = 1
	cfg.MaxLength = 16
	cfg.LR = 1e-2
	return fixture{gpt: gpt, tok: tok, examples: examples, cfg: cfg}
}

func TestRunWritesAdapterAndTokenizer(t *testing.T) {
	f := setup(t)
	require.Len(t, f.examples, 3)
	rec := &telemetry.Recorder{}

	res, err := Run(context.Background(), f.gpt, f.tok, f.examples, f.cfg, Options{Sink: rec})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Steps)
	assert.Equal(t, 1, res.TotalSteps)
	assert.NotEmpty(t, res.RunID)
	for _, name := range []string{
		model.AdapterConfigFileName,
		model.AdapterModelFileName,
		model.TokenizerFileName,
		model.TokenizerConfigFileName,
		model.SpecialTokensFileName,
	} {
		assert.FileExists(t, filepath.Join(f.cfg.OutputDir, name))
	}

	tok, err := model.LoadTokenizer(f.cfg.OutputDir)
	require.NoError(t, err)
	assert.Equal(t, f.tok.EosID, tok.PadID)

	assert.Len(t, rec.OfKind(telemetry.KindStart), 1)
	assert.Len(t, rec.OfKind(telemetry.KindStep), 1)
	require.Len(t, rec.OfKind(telemetry.KindDone), 1)
	assert.Equal(t, res.RunID, rec.OfKind(telemetry.KindDone)[0].RunID)
	assert.False(t, f.gpt.Training())
}

func TestRunOnlyMovesAdapters(t *testing.T) {
	f := setup(t)
	before := f.gpt.State()
	adapterBefore := f.gpt.AdapterState()

	_, err := Run(context.Background(), f.gpt, f.tok, f.examples, f.cfg, Options{Accum: 1})
	require.NoError(t, err)

	assert.Equal(t, before, f.gpt.State())
	assert.NotEqual(t, adapterBefore, f.gpt.AdapterState())
}

func TestRunEmptyCorpus(t *testing.T) {
	f := setup(t)
	rec := &telemetry.Recorder{}
	_, err := Run(context.Background(), f.gpt, f.tok, nil, f.cfg, Options{Sink: rec})
	assert.ErrorIs(t, err, errs.ErrEmptyCorpus)
	assert.Len(t, rec.OfKind(telemetry.KindError), 1)
	assert.NoFileExists(t, filepath.Join(f.cfg.OutputDir, model.AdapterModelFileName))
}

func TestRunKeepsNewestCheckpointOnly(t *testing.T) {
	f := setup(t)
	f.cfg.Epochs = 2
	res, err := Run(context.Background(), f.gpt, f.tok, f.examples, f.cfg, Options{Accum: 1, SaveEvery: 1})
	require.NoError(t, err)
	require.Equal(t, 6, res.Steps)

	cps, err := listCheckpoints(f.cfg.OutputDir)
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, 6, cps[0].step)
	assert.Equal(t, CheckpointDir(f.cfg.OutputDir, 6), res.Checkpoint)
	assert.FileExists(t, filepath.Join(res.Checkpoint, StateFileName))
	assert.FileExists(t, filepath.Join(res.Checkpoint, model.AdapterModelFileName))
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	f := setup(t)
	_, err := Run(context.Background(), f.gpt, f.tok, f.examples, f.cfg, Options{Accum: 1, SaveEvery: 1})
	require.NoError(t, err)
	latest, err := LatestCheckpoint(f.cfg.OutputDir)
	require.NoError(t, err)
	require.Equal(t, CheckpointDir(f.cfg.OutputDir, 3), latest)

	g2 := setup(t).gpt
	cfg := f.cfg
	cfg.Epochs = 2
	cfg.Resume = true
	rec := &telemetry.Recorder{}
	res, err := Run(context.Background(), g2, f.tok, f.examples, cfg, Options{Accum: 1, SaveEvery: 1, LogEvery: 1, Sink: rec})
	require.NoError(t, err)

	assert.Equal(t, latest, res.ResumedFrom)
	assert.Equal(t, 6, res.Steps)
	steps := rec.OfKind(telemetry.KindStep)
	require.Len(t, steps, 3)
	assert.Equal(t, 4, steps[0].Step)
}

func TestResumeWithoutCheckpointStartsFresh(t *testing.T) {
	f := setup(t)
	f.cfg.Resume = true
	res, err := Run(context.Background(), f.gpt, f.tok, f.examples, f.cfg, Options{})
	require.NoError(t, err)
	assert.Empty(t, res.ResumedFrom)
	assert.Equal(t, 1, res.Steps)
}

func TestRunHonoursCancel(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, f.gpt, f.tok, f.examples, f.cfg, Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEpochBatchesDeterministic(t *testing.T) {
	a := epochBatches(10, 3, 42, 1)
	assert.Equal(t, a, epochBatches(10, 3, 42, 1))
	assert.NotEqual(t, a, epochBatches(10, 3, 42, 2))
	require.Len(t, a, 4)
	assert.Len(t, a[3], 1)
	seen := map[int]bool{}
	for _, b := range a {
		for _, i := range b {
			seen[i] = true
		}
	}
	assert.Len(t, seen, 10)
}

func TestRunAutocastsToBFloat16(t *testing.T) {
	f := setup(t)
	_, err := Run(context.Background(), f.gpt, f.tok, f.examples, f.cfg, Options{})
	require.NoError(t, err)
	require.NotNil(t, f.gpt.Autocast)
	assert.Equal(t, precision.RoundBF16(1.0001), f.gpt.Autocast(1.0001))
}

func TestRunWarnsWhenMaxLengthExceedsBlock(t *testing.T) {
	f := setup(t)
	core, logs := observer.New(zapcore.WarnLevel)

	f.cfg.MaxLength = 64
	_, err := Run(context.Background(), f.gpt, f.tok, f.examples, f.cfg, Options{Log: zap.New(core)})
	require.NoError(t, err)
	warned := logs.FilterMessageSnippet("max_length exceeds").All()
	require.Len(t, warned, 1)
	assert.EqualValues(t, 64, warned[0].ContextMap()["max_length"])
	assert.EqualValues(t, 16, warned[0].ContextMap()["block_size"])

	f = setup(t)
	core, logs = observer.New(zapcore.WarnLevel)
	_, err = Run(context.Background(), f.gpt, f.tok, f.examples, f.cfg, Options{Log: zap.New(core)})
	require.NoError(t, err)
	assert.Zero(t, logs.FilterMessageSnippet("max_length exceeds").Len())
}
