package device

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"tunekit/internal/errs"
)

func TestSelect(t *testing.T) {
	d, err := Select("", nil)
	require.NoError(t, err)
	assert.Equal(t, CPU, d.Active)

	core, logs := observer.New(zap.WarnLevel)
	d, err = Select("CUDA", zap.New(core))
	require.NoError(t, err)
	assert.Equal(t, GPU, d.Requested)
	assert.Equal(t, CPU, d.Active)
	assert.Equal(t, 1, logs.Len())

	_, err = Select("tpu", nil)
	assert.True(t, errors.Is(err, errs.ErrConfig))
}
