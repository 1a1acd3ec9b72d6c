// Package session wires the optional observers of a training run: the
// SQLite run log (RUN_DB) and the terminal monitor (TRAIN_TUI).
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"tunekit/internal/config"
	"tunekit/internal/errs"
	"tunekit/internal/monitor"
	"tunekit/internal/runlog"
	"tunekit/internal/telemetry"
)

// LogFile is where drivers log while the monitor owns the terminal.
const LogFile = "tunekit.log"

// Session is one run's id and event sink.
type Session struct {
	RunID string
	Sink  telemetry.Sink

	runs    *runlog.Recorder
	monitor *monitor.Monitor
	log     *zap.Logger
}

// Open starts the observers rt asks for. cancel is called if the user quits
// the monitor early. cfg is stored with the run row as YAML.
func Open(ctx context.Context, rt config.Runtime, pipeline string, cfg any, cancel context.CancelFunc, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{RunID: uuid.NewString(), log: log}
	var sinks telemetry.Multi
	if rt.RunDB != "" {
		rec, err := runlog.Open(rt.RunDB, log)
		if err != nil {
			return nil, fmt.Errorf("%w: run db: %v", errs.ErrIO, err)
		}
		text, err := yaml.Marshal(cfg)
		if err != nil {
			rec.Close()
			return nil, fmt.Errorf("failed to marshal config: %w", err)
		}
		if err := rec.Begin(ctx, s.RunID, pipeline, string(text)); err != nil {
			rec.Close()
			return nil, fmt.Errorf("%w: run db: %v", errs.ErrIO, err)
		}
		s.runs = rec
		sinks = append(sinks, rec)
	}
	if rt.TUI {
		s.monitor = monitor.New("tunekit "+pipeline, cancel)
		s.monitor.Start()
		sinks = append(sinks, s.monitor)
	}
	s.Sink = telemetry.Nop
	if len(sinks) > 0 {
		s.Sink = sinks
	}
	log.Info("run started", zap.String("run_id", s.RunID), zap.String("pipeline", pipeline),
		zap.Bool("run_db", s.runs != nil), zap.Bool("tui", s.monitor != nil))
	return s, nil
}

// Close waits for the monitor to exit, then closes the run log.
func (s *Session) Close() error {
	var err error
	if s.monitor != nil {
		if mErr := s.monitor.Close(); mErr != nil {
			err = errors.Join(err, mErr)
		}
		if n := s.monitor.Dropped(); n > 0 {
			s.log.Debug("monitor dropped events", zap.Int("dropped", n))
		}
	}
	if s.runs != nil {
		err = errors.Join(err, s.runs.Close())
	}
	return err
}

// LogOutputs returns the zap output paths for a run: stderr normally, the
// log file while the monitor is on.
func LogOutputs(rt config.Runtime) []string {
	if rt.TUI {
		return []string{LogFile}
	}
	return nil
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
