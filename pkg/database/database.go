package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tunelab/finetuner/pkg/config"

	_ "github.com/lib/pq"
)

var DebugLog func(string, ...interface{})

type DB struct {
	conn    *sql.DB
	enabled bool
}

const (
	StatusPending  = "PENDING"
	StatusRunning  = "RUNNING"
	StatusFinished = "FINISHED"
	StatusFailed   = "FAILED"
)

type JobRecord struct {
	JobID      string
	Model      string
	Dataset    string
	Status     string
	MinEpochs  int
	MaxEpochs  int
	ConfigJSON string
	Error      string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

type MetricRecord struct {
	JobID      string
	Epoch      int
	Stage      string
	TrainLoss  float64
	TrainAcc   float64
	ValLoss    float64
	ValAcc     float64
	RecordedAt time.Time
}

const DBName = "finetuner_jobs"

func New(cfg *config.Database) (*DB, error) {
	db := &DB{
		enabled: cfg.Enabled,
	}

	if !cfg.Enabled {
		fmt.Println("[INF] Database connection disabled.")
		return db, nil
	}

	postgresConnStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password)

	postgresConn, err := sql.Open("postgres", postgresConnStr)
	if err != nil {
		fmt.Println("[INF] Database connection disabled.")
		return db, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer postgresConn.Close()

	if err := postgresConn.Ping(); err != nil {
		fmt.Println("[INF] Database connection disabled.")
		return db, fmt.Errorf("failed to ping postgres: %w", err)
	}

	var exists bool
	err = postgresConn.QueryRow("SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)", DBName).Scan(&exists)
	if err != nil {
		fmt.Println("[INF] Database connection disabled.")
		return db, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		_, err = postgresConn.Exec(fmt.Sprintf("CREATE DATABASE %s", DBName))
		if err != nil {
			fmt.Println("[INF] Database connection disabled.")
			return db, fmt.Errorf("failed to create database: %w", err)
		}
		fmt.Printf("[INF] Database '%s' created successfully.\n", DBName)
	}

	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, DBName)

	conn, err := sql.Open("postgres", connStr)
	if err != nil {
		fmt.Println("[INF] Database connection disabled.")
		return db, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		fmt.Println("[INF] Database connection disabled.")
		return db, fmt.Errorf("failed to ping database: %w", err)
	}

	db.conn = conn
	fmt.Println("[INF] Database connection active.")

	if err := db.initSchema(); err != nil {
		return db, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

func (db *DB) initSchema() error {
	if !db.enabled || db.conn == nil {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id SERIAL PRIMARY KEY,
		job_id VARCHAR(64) NOT NULL UNIQUE,
		model VARCHAR(255) NOT NULL,
		dataset VARCHAR(255) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'PENDING',
		min_epochs INTEGER NOT NULL,
		max_epochs INTEGER NOT NULL,
		config_json TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		started_at TIMESTAMP,
		finished_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS job_metrics (
		id SERIAL PRIMARY KEY,
		job_id VARCHAR(64) NOT NULL,
		epoch INTEGER NOT NULL,
		stage VARCHAR(64) NOT NULL,
		train_loss DOUBLE PRECISION NOT NULL,
		train_acc DOUBLE PRECISION NOT NULL,
		val_loss DOUBLE PRECISION NOT NULL,
		val_acc DOUBLE PRECISION NOT NULL,
		recorded_at TIMESTAMP NOT NULL DEFAULT NOW(),
		UNIQUE(job_id, epoch)
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_model ON jobs(model);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_job_metrics_job ON job_metrics(job_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *DB) IsEnabled() bool {
	return db.enabled && db.conn != nil
}

func (db *DB) CreateJob(job JobRecord) error {
	if !db.IsEnabled() {
		return nil
	}

	if DebugLog != nil {
		DebugLog("inserting job %s (model %s) with status PENDING", job.JobID, job.Model)
	}

	_, err := db.conn.Exec(`
		INSERT INTO jobs (job_id, model, dataset, status, min_epochs, max_epochs, config_json, created_at)
		VALUES ($1, $2, $3, 'PENDING', $4, $5, $6, NOW())
	`, job.JobID, job.Model, job.Dataset, job.MinEpochs, job.MaxEpochs, job.ConfigJSON)
	return err
}

func (db *DB) MarkRunning(jobID string) error {
	if !db.IsEnabled() {
		return nil
	}

	_, err := db.conn.Exec(`
		UPDATE jobs SET status = 'RUNNING', started_at = NOW()
		WHERE job_id = $1 AND status = 'PENDING'
	`, jobID)
	return err
}

func (db *DB) MarkFinished(jobID string) error {
	if !db.IsEnabled() {
		return nil
	}

	_, err := db.conn.Exec(`
		UPDATE jobs SET status = 'FINISHED', finished_at = NOW()
		WHERE job_id = $1 AND status = 'RUNNING'
	`, jobID)
	return err
}

func (db *DB) MarkFailed(jobID string, errMsg string) error {
	if !db.IsEnabled() {
		return nil
	}

	_, err := db.conn.Exec(`
		UPDATE jobs SET status = 'FAILED', error = $2, finished_at = NOW()
		WHERE job_id = $1 AND status IN ('PENDING', 'RUNNING')
	`, jobID, errMsg)
	return err
}

func (db *DB) RecordEpoch(m MetricRecord) error {
	if !db.IsEnabled() {
		return nil
	}

	if DebugLog != nil {
		DebugLog("recording epoch %d metrics for job %s", m.Epoch, m.JobID)
	}

	_, err := db.conn.Exec(`
		INSERT INTO job_metrics (job_id, epoch, stage, train_loss, train_acc, val_loss, val_acc, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (job_id, epoch) DO UPDATE
		SET stage = $3, train_loss = $4, train_acc = $5, val_loss = $6, val_acc = $7, recorded_at = NOW()
	`, m.JobID, m.Epoch, m.Stage, m.TrainLoss, m.TrainAcc, m.ValLoss, m.ValAcc)
	return err
}

func (db *DB) QueryJobs(model string, status string) ([]JobRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	query := `
		SELECT job_id, model, dataset, status, min_epochs, max_epochs, error, created_at, started_at, finished_at
		FROM jobs
		WHERE model = $1
	`
	args := []interface{}{model}

	if status != "" {
		query += " AND status = $2"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	return db.queryJobRecords(query, args...)
}

func (db *DB) QueryAllJobs(status string) ([]JobRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	query := `
		SELECT job_id, model, dataset, status, min_epochs, max_epochs, error, created_at, started_at, finished_at
		FROM jobs
	`
	args := []interface{}{}

	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"

	return db.queryJobRecords(query, args...)
}

func (db *DB) queryJobRecords(query string, args ...interface{}) ([]JobRecord, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		var r JobRecord
		var startedAt, finishedAt sql.NullTime
		if err := rows.Scan(&r.JobID, &r.Model, &r.Dataset, &r.Status,
			&r.MinEpochs, &r.MaxEpochs, &r.Error, &r.CreatedAt, &startedAt, &finishedAt); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			r.StartedAt = startedAt.Time
		}
		if finishedAt.Valid {
			r.FinishedAt = finishedAt.Time
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (db *DB) QueryEpochs(jobID string) ([]MetricRecord, error) {
	if !db.IsEnabled() {
		return nil, fmt.Errorf("database is not enabled")
	}

	rows, err := db.conn.Query(`
		SELECT job_id, epoch, stage, train_loss, train_acc, val_loss, val_acc, recorded_at
		FROM job_metrics
		WHERE job_id = $1
		ORDER BY epoch
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MetricRecord
	for rows.Next() {
		var m MetricRecord
		if err := rows.Scan(&m.JobID, &m.Epoch, &m.Stage,
			&m.TrainLoss, &m.TrainAcc, &m.ValLoss, &m.ValAcc, &m.RecordedAt); err != nil {
			return nil, err
		}
		records = append(records, m)
	}

	return records, rows.Err()
}
