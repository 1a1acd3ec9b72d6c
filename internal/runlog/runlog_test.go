package runlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunekit/internal/telemetry"
)

func TestRecorderLifecycle(t *testing.T) {
	ctx := context.Background()
	rec, err := Open(filepath.Join(t.TempDir(), "runs", "runs.db"), nil)
	require.NoError(t, err)
	defer rec.Close()

	id := uuid.NewString()
	require.NoError(t, rec.Begin(ctx, id, "finetune", `{"epochs":1}`))
	rec.Emit(telemetry.Event{RunID: id, Kind: telemetry.KindStart})
	rec.Emit(telemetry.Event{RunID: id, Kind: telemetry.KindStep, Step: 50, Loss: 2.5, LR: 1e-4, Elapsed: 1500 * time.Millisecond})
	rec.Emit(telemetry.Event{RunID: id, Kind: telemetry.KindStep, Step: 100, Loss: 2.1, LR: 5e-5})
	rec.Emit(telemetry.Event{RunID: id, Kind: telemetry.KindDone, Message: "ok"})

	runs, err := rec.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "done", runs[0].Status)
	assert.Equal(t, "finetune", runs[0].Pipeline)
	assert.NotNil(t, runs[0].FinishedAt)

	pts, err := rec.Points(ctx, id)
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, 50, pts[0].Step)
	assert.Equal(t, 1500*time.Millisecond, pts[0].Elapsed)
	assert.InDelta(t, 2.1, pts[1].Loss, 1e-12)
}

func TestRecorderMarksFailure(t *testing.T) {
	ctx := context.Background()
	rec, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer rec.Close()

	require.NoError(t, rec.Begin(ctx, "r1", "trainvoice", ""))
	rec.Emit(telemetry.Event{RunID: "r1", Kind: telemetry.KindError, Message: "empty dataset"})
	runs, err := rec.Runs(ctx)
	require.NoError(t, err)
	assert.Equal(t, "failed", runs[0].Status)
	assert.Equal(t, "empty dataset", runs[0].Message)
}
