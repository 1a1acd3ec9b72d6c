// Package errs holds the error classes shared by both training drivers.
// Call sites wrap one of the sentinels with context; errors.Is classifies.
package errs

import "errors"

var (
	ErrConfig       = errors.New("configuration error")
	ErrData         = errors.New("data error")
	ErrEmptyCorpus  = errors.New("empty corpus")
	ErrEmptyDataset = errors.New("empty dataset")
	ErrModelLoad    = errors.New("model load error")
	ErrIO           = errors.New("i/o error")
)

// Code returns a short stable code for structured logs.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "E_CONFIG"
	case errors.Is(err, ErrEmptyCorpus):
		return "E_EMPTY_CORPUS"
	case errors.Is(err, ErrEmptyDataset):
		return "E_EMPTY_DATASET"
	case errors.Is(err, ErrData):
		return "E_DATA"
	case errors.Is(err, ErrModelLoad):
		return "E_MODEL_LOAD"
	case errors.Is(err, ErrIO):
		return "E_IO"
	default:
		return "E_UNKNOWN"
	}
}
