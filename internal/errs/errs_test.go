package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, "E_CONFIG", Code(fmt.Errorf("epochs must be >= 1: %w", ErrConfig)))
	assert.Equal(t, "E_EMPTY_CORPUS", Code(fmt.Errorf("train: %w", ErrEmptyCorpus)))
	assert.Equal(t, "E_MODEL_LOAD", Code(fmt.Errorf("resolve: %w", ErrModelLoad)))
	assert.Equal(t, "E_IO", Code(fmt.Errorf("save: %w", ErrIO)))
	assert.Equal(t, "E_UNKNOWN", Code(errors.New("boom")))
}
