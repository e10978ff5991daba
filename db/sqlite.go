package db

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// TrainingLog records model builds and model lifecycle events in SQLite.
type TrainingLog struct {
	database *sql.DB
}

// Open opens (and if needed creates) the SQLite database at path.
func Open(path string) (*TrainingLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	database, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	database.SetMaxOpenConns(1)

	query := `
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name VARCHAR(50),
        c REAL,
        degree INTEGER,
        cv_score REAL,
        hyperopt_samples INTEGER,
        fulltrain_samples INTEGER,
        support_vectors INTEGER,
        holdout_accuracy REAL,
        duration_ms INTEGER,
        model_path TEXT,
        status TEXT NOT NULL,
        error TEXT,
        trained_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS model_events (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        kind TEXT NOT NULL,
        detail TEXT,
        occurred_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_training_log_trained_at ON training_log(trained_at);
    `
	if _, err := database.Exec(query); err != nil {
		database.Close()
		return nil, err
	}
	return &TrainingLog{database: database}, nil
}

func (l *TrainingLog) Close() error {
	if l == nil || l.database == nil {
		return nil
	}
	return l.database.Close()
}

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

type TrainingRun struct {
	ID               int64         `json:"id"`
	ModelName        string        `json:"model_name"`
	C                float64       `json:"c"`
	Degree           int           `json:"degree"`
	CVScore          float64       `json:"cv_score"`
	HyperoptSamples  int           `json:"hyperopt_samples"`
	FulltrainSamples int           `json:"fulltrain_samples"`
	SupportVectors   int           `json:"support_vectors"`
	HoldoutAccuracy  float64       `json:"holdout_accuracy"`
	Duration         time.Duration `json:"duration"`
	ModelPath        string        `json:"model_path"`
	Status           string        `json:"status"`
	Error            string        `json:"error,omitempty"`
	TrainedAt        time.Time     `json:"trained_at"`
}

func (l *TrainingLog) RecordRun(ctx context.Context, run TrainingRun) (int64, error) {
	if l == nil || l.database == nil {
		return 0, errors.New("database not initialized")
	}
	if run.TrainedAt.IsZero() {
		run.TrainedAt = time.Now()
	}
	res, err := l.database.ExecContext(ctx, `
        INSERT INTO training_log (model_name, c, degree, cv_score, hyperopt_samples, fulltrain_samples,
            support_vectors, holdout_accuracy, duration_ms, model_path, status, error, trained_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, run.ModelName, run.C, run.Degree, run.CVScore, run.HyperoptSamples, run.FulltrainSamples,
		run.SupportVectors, run.HoldoutAccuracy, run.Duration.Milliseconds(), run.ModelPath,
		run.Status, run.Error, run.TrainedAt.UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// SetHoldoutAccuracy fills in the held-out accuracy once it has been measured.
func (l *TrainingLog) SetHoldoutAccuracy(ctx context.Context, id int64, accuracy float64) error {
	if l == nil || l.database == nil {
		return errors.New("database not initialized")
	}
	_, err := l.database.ExecContext(ctx, `UPDATE training_log SET holdout_accuracy = ? WHERE id = ?`, accuracy, id)
	return err
}

func (l *TrainingLog) RecentRuns(ctx context.Context, limit int) ([]TrainingRun, error) {
	if l == nil || l.database == nil {
		return nil, errors.New("database not initialized")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.database.QueryContext(ctx, `
        SELECT id, model_name, c, degree, cv_score, hyperopt_samples, fulltrain_samples,
            support_vectors, holdout_accuracy, duration_ms, model_path, status, error, trained_at
        FROM training_log
        ORDER BY trained_at DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]TrainingRun, 0)
	for rows.Next() {
		var run TrainingRun
		var durationMS int64
		var errText sql.NullString
		if err := rows.Scan(&run.ID, &run.ModelName, &run.C, &run.Degree, &run.CVScore, &run.HyperoptSamples,
			&run.FulltrainSamples, &run.SupportVectors, &run.HoldoutAccuracy, &durationMS, &run.ModelPath,
			&run.Status, &errText, &run.TrainedAt); err != nil {
			return nil, err
		}
		run.Duration = time.Duration(durationMS) * time.Millisecond
		run.Error = errText.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type ModelEvent struct {
	Kind       string    `json:"kind"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (l *TrainingLog) RecordEvent(ctx context.Context, kind, detail string) error {
	if l == nil || l.database == nil {
		return errors.New("database not initialized")
	}
	_, err := l.database.ExecContext(ctx,
		`INSERT INTO model_events (kind, detail, occurred_at) VALUES (?, ?, ?)`,
		kind, detail, time.Now().UTC())
	return err
}

func (l *TrainingLog) Events(ctx context.Context, kind string) ([]ModelEvent, error) {
	if l == nil || l.database == nil {
		return nil, errors.New("database not initialized")
	}
	rows, err := l.database.QueryContext(ctx,
		`SELECT kind, detail, occurred_at FROM model_events WHERE kind = ? ORDER BY id`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]ModelEvent, 0)
	for rows.Next() {
		var ev ModelEvent
		if err := rows.Scan(&ev.Kind, &ev.Detail, &ev.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
