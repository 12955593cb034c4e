// Package history persists device telemetry to SQLite, one row per
// device property per push. Recording is disabled by default; the
// disabled path hands back a no-op Recorder so callers never branch.
package history

import (
	"context"
	"time"

	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

type service struct {
	repo Repository
}

// New builds a Recorder from the configuration. A disabled
// configuration yields a no-op Recorder, not an error.
func New(cfg Config, log logger.Logger) (Recorder, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}

	if !cfg.Enabled {
		log.Debug().Msg("History recording disabled, using no-op recorder")

		return &noopRecorder{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &service{repo: repo}, nil
}

func (s *service) Record(ctx context.Context, at time.Time, snapshots []device.Snapshot) error {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
		if err := s.repo.Record(at, snapshots); err != nil {
			return err
		}
	}

	return nil
}

func (s *service) Query(ctx context.Context, key device.Key, property string, since time.Time) ([]Sample, error) {
	return s.repo.Query(ctx, key, property, since)
}

func (s *service) Close() error {
	return s.repo.Close()
}

// noopRecorder satisfies Recorder when persistence is disabled.
type noopRecorder struct{}

func (n *noopRecorder) Record(_ context.Context, _ time.Time, _ []device.Snapshot) error {
	return nil
}

func (n *noopRecorder) Query(_ context.Context, _ device.Key, _ string, _ time.Time) ([]Sample, error) {
	return nil, nil
}

func (n *noopRecorder) Close() error {
	return nil
}
