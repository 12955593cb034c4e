package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/coolerctl/internal/device"
	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

// entry is one buffered telemetry push.
type entry struct {
	at        time.Time
	snapshots []device.Snapshot
}

type repository struct {
	db            *sql.DB
	log           logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []entry
	flushTicker   *time.Ticker
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}
	cfg = cfg.withDefaults()

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	// WAL keeps readers off the writer's back; auto_vacuum bounds file
	// growth under continuous inserts.
	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg.backupDir(), log); err != nil {
		db.Close()

		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "schema_version",
			Error: err.Error(),
		})
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Int("batch_timeout", cfg.BatchTimeout).
		Msg("History repository initialized")

	repo := &repository{
		db:            db,
		log:           log,
		cfg:           cfg,
		buffer:        make([]entry, 0, cfg.BatchSize),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	repo.flushTicker = time.NewTicker(time.Duration(cfg.BatchTimeout) * time.Second)
	go repo.flusher()

	return repo, nil
}

// Record buffers one push; a full buffer flushes inline.
func (r *repository) Record(at time.Time, snapshots []device.Snapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.buffer = append(r.buffer, entry{at: at, snapshots: snapshots})

	if len(r.buffer) >= r.cfg.BatchSize {
		return r.flush()
	}

	return nil
}

// Query returns the persisted samples for one device property, oldest
// first. Buffered pushes are flushed first so readers never miss recent
// data.
func (r *repository) Query(ctx context.Context, key device.Key, property string, since time.Time) ([]Sample, error) {
	errFactory := errors.New()

	r.mu.Lock()
	if err := r.flush(); err != nil {
		r.mu.Unlock()

		return nil, err
	}
	r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, querySamplesSQL,
		string(key.Type), key.ID, property, since.Unix())
	if err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var (
			recordedAt int64
			deviceType string
			sample     Sample
			numeric    sql.NullFloat64
		)

		err := rows.Scan(&recordedAt, &deviceType, &sample.DeviceID,
			&sample.Property, &sample.Value, &numeric)
		if err != nil {
			return nil, errFactory.Wrap(ErrStorageAccess, err)
		}

		sample.RecordedAt = time.Unix(recordedAt, 0)
		sample.DeviceType = device.Type(deviceType)
		if numeric.Valid {
			sample.Numeric = numeric.Float64
			sample.HasNumeric = true
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, errFactory.Wrap(ErrStorageAccess, err)
	}

	return samples, nil
}

func (r *repository) Close() error {
	// Signal the flusher goroutine to stop
	close(r.shutdownChan)
	r.flushTicker.Stop()

	// Wait for the flusher to finish its final flush
	<-r.flushDoneChan

	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.log.Info().Msg("History repository closed gracefully")

	return nil
}

func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	for {
		select {
		case <-r.flushTicker.C:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.log.Error().Err(err).Msg("Periodic history flush failed")
			}
			r.mu.Unlock()
		case <-r.shutdownChan:
			r.mu.Lock()
			if err := r.flush(); err != nil {
				r.log.Error().Err(err).Msg("Final history flush failed")
			}
			r.mu.Unlock()

			return
		}
	}
}

// flush writes the buffer inside one transaction. Callers hold r.mu.
func (r *repository) flush() error {
	if len(r.buffer) == 0 {
		return nil
	}

	errFactory := errors.New()

	tx, err := r.db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmt, err := tx.Prepare(insertSampleSQL)
	if err != nil {
		if err := tx.Rollback(); err != nil {
			r.log.Error().Err(err).Msg("Failed to roll back transaction")
		}

		return errFactory.Wrap(ErrTransactionFailed, err)
	}
	defer stmt.Close()

	rows := 0
	for _, e := range r.buffer {
		for _, snap := range e.snapshots {
			for property, raw := range snap.Properties {
				value, numeric := renderValue(raw)
				if _, err := stmt.Exec(e.at.Unix(), string(snap.Type), snap.ID, property, value, numeric); err != nil {
					if err := tx.Rollback(); err != nil {
						r.log.Error().Err(err).Msg("Failed to roll back transaction")
					}

					return errFactory.Wrap(ErrTransactionFailed, err)
				}
				rows++
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.log.Debug().Int("pushes", len(r.buffer)).Int("rows", rows).Msg("Flushed history to database")
	r.buffer = r.buffer[:0]

	return nil
}

// renderValue splits a property into its text rendering and, for
// numbers, a queryable numeric column.
func renderValue(value any) (string, sql.NullFloat64) {
	switch v := value.(type) {
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), sql.NullFloat64{Float64: v, Valid: true}
	case int:
		return strconv.Itoa(v), sql.NullFloat64{Float64: float64(v), Valid: true}
	case int64:
		return strconv.FormatInt(v, 10), sql.NullFloat64{Float64: float64(v), Valid: true}
	case string:
		return v, sql.NullFloat64{}
	case bool:
		return strconv.FormatBool(v), sql.NullFloat64{}
	default:
		return fmt.Sprintf("%v", v), sql.NullFloat64{}
	}
}
