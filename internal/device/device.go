// Package device picks the compute device for a run.
package device

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"tunekit/internal/errs"
)

const (
	CPU = "cpu"
	GPU = "gpu"
)

// Device records what was asked for and what will actually run.
type Device struct {
	Requested string
	Active    string
}

func (d Device) String() string { return d.Active }

// Select resolves requested ("" means cpu). Only CPU kernels exist, so a
// gpu request falls back to CPU with a warning.
func Select(requested string, log *zap.Logger) (Device, error) {
	req := strings.ToLower(strings.TrimSpace(requested))
	if req == "" {
		req = CPU
	}
	if req == "cuda" {
		req = GPU
	}
	if req != CPU && req != GPU {
		return Device{}, fmt.Errorf("%w: invalid TRAIN_DEVICE %q: use cpu or gpu", errs.ErrConfig, requested)
	}
	d := Device{Requested: req, Active: req}
	if req == GPU {
		d.Active = CPU
		if log != nil {
			log.Warn("gpu requested, but only CPU kernels are available; falling back to CPU")
		}
	}
	if log != nil {
		log.Info("device", zap.String("requested", d.Requested), zap.String("active", d.Active))
	}
	return d, nil
}
