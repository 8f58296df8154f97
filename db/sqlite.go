package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store keeps the training log and the prediction history in SQLite.
type Store struct {
	database *sql.DB
}

// Open opens (or creates) the SQLite database at path and ensures the schema.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("database path required")
	}
	database, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	// sqlite3 allows a single writer
	database.SetMaxOpenConns(1)

	query := `
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_name VARCHAR(50),
        meta_features VARCHAR(20),
        accuracy REAL,
        train_size INTEGER,
        test_size INTEGER,
        num_labels INTEGER,
        duration_ms INTEGER,
        trained_at DATETIME
    );
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        n REAL,
        p REAL,
        k REAL,
        temperature REAL,
        humidity REAL,
        ph REAL,
        rainfall REAL,
        crop VARCHAR(50),
        confidence REAL,
        created_at DATETIME
    );
    CREATE INDEX IF NOT EXISTS idx_predictions_created_at ON predictions(created_at);
    `
	if _, err := database.Exec(query); err != nil {
		database.Close()
		return nil, err
	}
	return &Store{database: database}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s == nil || s.database == nil {
		return nil
	}
	return s.database.Close()
}

type TrainingLog struct {
	ID           int64     `json:"id"`
	ModelName    string    `json:"model_name"`
	MetaFeatures string    `json:"meta_features"`
	Accuracy     float64   `json:"accuracy"`
	TrainSize    int       `json:"train_size"`
	TestSize     int       `json:"test_size"`
	NumLabels    int       `json:"num_labels"`
	Duration     int64     `json:"duration_ms"`
	TrainedAt    time.Time `json:"trained_at"`
}

// SaveTrainingLog appends one training run.
func (s *Store) SaveTrainingLog(ctx context.Context, log TrainingLog) error {
	if s == nil || s.database == nil {
		return errors.New("database not initialized")
	}
	_, err := s.database.ExecContext(ctx, `
        INSERT INTO training_log (
            model_name, meta_features, accuracy, train_size, test_size, num_labels, duration_ms, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
    `,
		log.ModelName,
		log.MetaFeatures,
		log.Accuracy,
		log.TrainSize,
		log.TestSize,
		log.NumLabels,
		log.Duration,
		log.TrainedAt.UTC(),
	)
	return err
}

// LoadTrainingLog returns training runs, newest first.
func (s *Store) LoadTrainingLog(ctx context.Context, limit int) ([]TrainingLog, error) {
	if s == nil || s.database == nil {
		return nil, errors.New("database not initialized")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.database.QueryContext(ctx, `
        SELECT id, model_name, meta_features, accuracy, train_size, test_size, num_labels, duration_ms, trained_at
        FROM training_log
        ORDER BY trained_at DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var log TrainingLog
		if err := rows.Scan(&log.ID, &log.ModelName, &log.MetaFeatures, &log.Accuracy,
			&log.TrainSize, &log.TestSize, &log.NumLabels, &log.Duration, &log.TrainedAt); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

type Prediction struct {
	ID          int64     `json:"id"`
	N           float64   `json:"N"`
	P           float64   `json:"P"`
	K           float64   `json:"K"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	PH          float64   `json:"ph"`
	Rainfall    float64   `json:"rainfall"`
	Crop        string    `json:"crop"`
	Confidence  float64   `json:"confidence"`
	CreatedAt   time.Time `json:"created_at"`
}

// SavePrediction appends one answered prediction.
func (s *Store) SavePrediction(ctx context.Context, p Prediction) error {
	if s == nil || s.database == nil {
		return errors.New("database not initialized")
	}
	if p.Crop == "" {
		return errors.New("crop required")
	}
	_, err := s.database.ExecContext(ctx, `
        INSERT INTO predictions (
            n, p, k, temperature, humidity, ph, rainfall, crop, confidence, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `,
		p.N, p.P, p.K, p.Temperature, p.Humidity, p.PH, p.Rainfall,
		p.Crop, p.Confidence, p.CreatedAt.UTC(),
	)
	return err
}

// RecentPredictions returns the latest predictions, newest first.
func (s *Store) RecentPredictions(ctx context.Context, limit int) ([]Prediction, error) {
	if s == nil || s.database == nil {
		return nil, errors.New("database not initialized")
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.database.QueryContext(ctx, `
        SELECT id, n, p, k, temperature, humidity, ph, rainfall, crop, confidence, created_at
        FROM predictions
        ORDER BY created_at DESC, id DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	predictions := make([]Prediction, 0)
	for rows.Next() {
		var p Prediction
		if err := rows.Scan(&p.ID, &p.N, &p.P, &p.K, &p.Temperature, &p.Humidity, &p.PH, &p.Rainfall,
			&p.Crop, &p.Confidence, &p.CreatedAt); err != nil {
			return nil, err
		}
		predictions = append(predictions, p)
	}
	return predictions, rows.Err()
}

// CropCounts returns how many times each crop was recommended.
func (s *Store) CropCounts(ctx context.Context) (map[string]int, error) {
	if s == nil || s.database == nil {
		return nil, errors.New("database not initialized")
	}
	rows, err := s.database.QueryContext(ctx, `
        SELECT crop, COUNT(*) FROM predictions GROUP BY crop
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var crop string
		var count int
		if err := rows.Scan(&crop, &count); err != nil {
			return nil, err
		}
		counts[crop] = count
	}
	return counts, rows.Err()
}
