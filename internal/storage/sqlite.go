package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehrlich-b/dispatch/internal/state"
	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite storage.
// Use ":memory:" for an in-memory database, or a file path for persistence.
func NewSQLite(dsn string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better performance
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	s := &SQLiteStorage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.seed(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed: %w", err)
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS specs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			command TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT 'system',
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'Pending',
			progress INTEGER NOT NULL DEFAULT 0,
			parameters TEXT NOT NULL DEFAULT '{}',
			result TEXT,
			error_message TEXT NOT NULL DEFAULT '',
			log_file_path TEXT NOT NULL DEFAULT '',
			worker_name TEXT NOT NULL DEFAULT '',
			queue_name TEXT NOT NULL DEFAULT '',
			assigned_worker_name TEXT NOT NULL DEFAULT '',
			retries INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			started_at DATETIME,
			completed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS queues (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			state TEXT NOT NULL DEFAULT 'started',
			priority TEXT NOT NULL DEFAULT 'normal',
			strategy TEXT NOT NULL DEFAULT 'round_robin',
			time_limit INTEGER NOT NULL DEFAULT 0,
			is_default INTEGER NOT NULL DEFAULT 0,
			log_file_path TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			worker_type TEXT NOT NULL DEFAULT 'local',
			hostname TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			ssh_user TEXT NOT NULL DEFAULT '',
			auth_method TEXT NOT NULL DEFAULT 'key',
			ssh_private_key TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			provision INTEGER NOT NULL DEFAULT 0,
			max_jobs INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'offline',
			state TEXT NOT NULL DEFAULT 'stopped',
			last_seen DATETIME,
			error_message TEXT NOT NULL DEFAULT '',
			log_file_path TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS queue_workers (
			queue_id INTEGER NOT NULL,
			worker_id INTEGER NOT NULL,
			PRIMARY KEY (queue_id, worker_id),
			FOREIGN KEY (queue_id) REFERENCES queues(id) ON DELETE CASCADE,
			FOREIGN KEY (worker_id) REFERENCES workers(id) ON DELETE CASCADE
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_specs_active_name ON specs(name) WHERE is_active = 1`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workers_port ON workers(port) WHERE port > 0`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_queue ON jobs(queue_name)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_assigned ON jobs(assigned_worker_name)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// seed ensures the System worker and the default queue exist.
func (s *SQLiteStorage) seed() error {
	ctx := context.Background()

	if _, err := s.GetWorkerByName(ctx, SystemWorkerName); err == ErrNotFound {
		w := &Worker{
			Name:       SystemWorkerName,
			WorkerType: WorkerTypeLocal,
			Hostname:   "localhost",
			IPAddress:  "127.0.0.1",
			MaxJobs:    1,
			Status:     state.WorkerOffline,
			State:      state.WorkerStopped,
		}
		if err := s.CreateWorker(ctx, w); err != nil {
			return fmt.Errorf("seed system worker: %w", err)
		}
	} else if err != nil {
		return err
	}

	if _, err := s.GetDefaultQueue(ctx); err == ErrNotFound {
		q := &Queue{
			Name:      DefaultQueueName,
			State:     state.QueueStarted,
			Priority:  state.PriorityNormal,
			Strategy:  state.DefaultStrategy,
			IsDefault: true,
		}
		if err := s.CreateQueue(ctx, q); err != nil {
			return fmt.Errorf("seed default queue: %w", err)
		}
	} else if err != nil {
		return err
	}

	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Jobs ---

const jobColumns = `id, name, status, progress, parameters, result, error_message,
	log_file_path, worker_name, queue_name, assigned_worker_name,
	retries, max_retries, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	job := &Job{}
	var params string
	var result sql.NullString
	err := row.Scan(&job.ID, &job.Name, &job.Status, &job.Progress, &params, &result,
		&job.ErrorMessage, &job.LogFilePath, &job.WorkerName, &job.QueueName,
		&job.AssignedWorkerName, &job.Retries, &job.MaxRetries,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if params != "" {
		if err := json.Unmarshal([]byte(params), &job.Parameters); err != nil {
			return nil, fmt.Errorf("decode job %d parameters: %w", job.ID, err)
		}
	}
	if result.Valid {
		job.Result = json.RawMessage(result.String)
	}
	return job, nil
}

func jobFields(job *Job) (params string, result any, err error) {
	p, err := json.Marshal(job.Parameters)
	if err != nil {
		return "", nil, fmt.Errorf("encode parameters: %w", err)
	}
	if job.Result != nil {
		return string(p), string(job.Result), nil
	}
	return string(p), nil, nil
}

func (s *SQLiteStorage) CreateJob(ctx context.Context, job *Job) error {
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = state.JobPending
	}
	params, result, err := jobFields(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (name, status, progress, parameters, result, error_message,
			log_file_path, worker_name, queue_name, assigned_worker_name,
			retries, max_retries, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.Name, job.Status, job.Progress, params, result, job.ErrorMessage,
		job.LogFilePath, job.WorkerName, job.QueueName, job.AssignedWorkerName,
		job.Retries, job.MaxRetries, job.CreatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return err
	}
	job.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStorage) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *SQLiteStorage) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.QueueName != "" {
		query += " AND queue_name = ?"
		args = append(args, filter.QueueName)
	}
	if filter.SpecName != "" {
		query += " AND name = ?"
		args = append(args, filter.SpecName)
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStorage) ListActiveJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN (?, ?) ORDER BY created_at ASC, id ASC`,
		state.JobPending, state.JobRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStorage) SaveJob(ctx context.Context, job *Job) error {
	params, result, err := jobFields(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET name = ?, status = ?, progress = ?, parameters = ?, result = ?,
			error_message = ?, log_file_path = ?, worker_name = ?, queue_name = ?,
			assigned_worker_name = ?, retries = ?, max_retries = ?,
			started_at = ?, completed_at = ?
		 WHERE id = ?`,
		job.Name, job.Status, job.Progress, params, result,
		job.ErrorMessage, job.LogFilePath, job.WorkerName, job.QueueName,
		job.AssignedWorkerName, job.Retries, job.MaxRetries,
		job.StartedAt, job.CompletedAt, job.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (s *SQLiteStorage) DeleteJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	return err
}

func (s *SQLiteStorage) CountRunningForWorker(ctx context.Context, workerName string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ? AND assigned_worker_name = ?`,
		state.JobRunning, workerName).Scan(&n)
	return n, err
}

func (s *SQLiteStorage) CleanupTerminalJobs(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		state.JobCompleted, state.JobFailed, state.JobCancelled, cutoff)
	if err != nil {
		return nil, err
	}
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, job := range jobs {
		if _, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, job.ID); err != nil {
			return nil, err
		}
	}
	return jobs, tx.Commit()
}

func (s *SQLiteStorage) JobStatistics(ctx context.Context, since time.Time) (*JobStats, error) {
	stats := &JobStats{ByStatus: make(map[string]int)}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE created_at >= ? GROUP BY status`, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	// The driver binds timestamps in a text form SQLite's date functions
	// cannot parse, so the average is computed here.
	rows, err = s.db.QueryContext(ctx,
		`SELECT started_at, completed_at FROM jobs
		 WHERE created_at >= ? AND started_at IS NOT NULL AND completed_at IS NOT NULL`,
		since)
	if err != nil {
		return nil, err
	}
	var totalSeconds float64
	var finished int
	for rows.Next() {
		var startedAt, completedAt time.Time
		if err := rows.Scan(&startedAt, &completedAt); err != nil {
			rows.Close()
			return nil, err
		}
		totalSeconds += completedAt.Sub(startedAt).Seconds()
		finished++
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if finished > 0 {
		stats.AvgDurationSeconds = totalSeconds / float64(finished)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT name, COUNT(*) AS n FROM jobs WHERE created_at >= ?
		 GROUP BY name ORDER BY n DESC, name ASC LIMIT 5`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var sc SpecCount
		if err := rows.Scan(&sc.Name, &sc.Count); err != nil {
			return nil, err
		}
		stats.TopSpecs = append(stats.TopSpecs, sc)
	}
	return stats, rows.Err()
}

// --- Specifications ---

const specColumns = `id, name, description, command, created_by, is_active, created_at, updated_at`

func scanSpec(row rowScanner) (*Spec, error) {
	spec := &Spec{}
	err := row.Scan(&spec.ID, &spec.Name, &spec.Description, &spec.Command,
		&spec.CreatedBy, &spec.IsActive, &spec.CreatedAt, &spec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return spec, nil
}

func (s *SQLiteStorage) CreateSpec(ctx context.Context, spec *Spec) error {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM specs WHERE name = ? AND is_active = 1`, spec.Name).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("specification %q: %w", spec.Name, ErrDuplicate)
	}

	now := time.Now().UTC()
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = now
	}
	spec.UpdatedAt = now
	spec.IsActive = true
	if spec.CreatedBy == "" {
		spec.CreatedBy = "system"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO specs (name, description, command, created_by, is_active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)`,
		spec.Name, spec.Description, spec.Command, spec.CreatedBy, spec.CreatedAt, spec.UpdatedAt)
	if err != nil {
		return err
	}
	spec.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStorage) GetSpec(ctx context.Context, id int64) (*Spec, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+specColumns+` FROM specs WHERE id = ? AND is_active = 1`, id)
	return scanSpec(row)
}

func (s *SQLiteStorage) GetSpecByName(ctx context.Context, name string) (*Spec, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+specColumns+` FROM specs WHERE name = ? AND is_active = 1`, name)
	return scanSpec(row)
}

func (s *SQLiteStorage) ListSpecs(ctx context.Context) ([]*Spec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+specColumns+` FROM specs WHERE is_active = 1 ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var specs []*Spec
	for rows.Next() {
		spec, err := scanSpec(rows)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, rows.Err()
}

func (s *SQLiteStorage) SaveSpec(ctx context.Context, spec *Spec) error {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM specs WHERE name = ? AND is_active = 1 AND id != ?`,
		spec.Name, spec.ID).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("specification %q: %w", spec.Name, ErrDuplicate)
	}

	spec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE specs SET name = ?, description = ?, command = ?, updated_at = ?
		 WHERE id = ? AND is_active = 1`,
		spec.Name, spec.Description, spec.Command, spec.UpdatedAt, spec.ID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err == nil && rows == 0 {
		return ErrNotFound
	}
	return err
}

func (s *SQLiteStorage) DeactivateSpec(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE specs SET is_active = 0, updated_at = ? WHERE id = ? AND is_active = 1`,
		time.Now().UTC(), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// --- Queues ---

const queueColumns = `id, name, state, priority, strategy, time_limit, is_default,
	log_file_path, created_at, updated_at`

func scanQueue(row rowScanner) (*Queue, error) {
	q := &Queue{}
	err := row.Scan(&q.ID, &q.Name, &q.State, &q.Priority, &q.Strategy, &q.TimeLimit,
		&q.IsDefault, &q.LogFilePath, &q.CreatedAt, &q.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (s *SQLiteStorage) CreateQueue(ctx context.Context, queue *Queue) error {
	now := time.Now().UTC()
	if queue.CreatedAt.IsZero() {
		queue.CreatedAt = now
	}
	queue.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if queue.IsDefault {
		if _, err := tx.ExecContext(ctx, `UPDATE queues SET is_default = 0`); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO queues (name, state, priority, strategy, time_limit, is_default,
			log_file_path, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		queue.Name, queue.State, queue.Priority, queue.Strategy, queue.TimeLimit,
		queue.IsDefault, queue.LogFilePath, queue.CreatedAt, queue.UpdatedAt)
	if err != nil {
		return err
	}
	if queue.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetQueue(ctx context.Context, id int64) (*Queue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE id = ?`, id)
	return scanQueue(row)
}

func (s *SQLiteStorage) GetQueueByName(ctx context.Context, name string) (*Queue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE LOWER(name) = LOWER(?)`, name)
	return scanQueue(row)
}

func (s *SQLiteStorage) GetDefaultQueue(ctx context.Context) (*Queue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+queueColumns+` FROM queues WHERE is_default = 1 LIMIT 1`)
	return scanQueue(row)
}

func (s *SQLiteStorage) ListQueues(ctx context.Context) ([]*Queue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+queueColumns+` FROM queues ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []*Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

func (s *SQLiteStorage) SaveQueue(ctx context.Context, queue *Queue) error {
	queue.UpdatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if queue.IsDefault {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queues SET is_default = 0 WHERE id != ?`, queue.ID); err != nil {
			return err
		}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE queues SET name = ?, state = ?, priority = ?, strategy = ?,
			time_limit = ?, is_default = ?, log_file_path = ?, updated_at = ?
		 WHERE id = ?`,
		queue.Name, queue.State, queue.Priority, queue.Strategy,
		queue.TimeLimit, queue.IsDefault, queue.LogFilePath, queue.UpdatedAt, queue.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

func (s *SQLiteStorage) DeleteQueue(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM queues WHERE id = ?`, id)
	return err
}

// --- Queue <-> worker assignments ---

func (s *SQLiteStorage) AssignWorker(ctx context.Context, queueID, workerID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO queue_workers (queue_id, worker_id) VALUES (?, ?)`,
		queueID, workerID)
	return err
}

func (s *SQLiteStorage) UnassignWorker(ctx context.Context, queueID, workerID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_workers WHERE queue_id = ? AND worker_id = ?`,
		queueID, workerID)
	return err
}

func (s *SQLiteStorage) ListQueueWorkers(ctx context.Context, queueID int64) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers w
		 JOIN queue_workers qw ON qw.worker_id = w.id
		 WHERE qw.queue_id = ? ORDER BY w.id ASC`, queueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// --- Workers ---

const workerColumns = `w.id, w.name, w.worker_type, w.hostname, w.ip_address, w.port,
	w.ssh_user, w.auth_method, w.ssh_private_key, w.password, w.provision,
	w.max_jobs, w.status, w.state, w.last_seen, w.error_message, w.log_file_path,
	w.created_at, w.updated_at`

func scanWorker(row rowScanner) (*Worker, error) {
	w := &Worker{}
	err := row.Scan(&w.ID, &w.Name, &w.WorkerType, &w.Hostname, &w.IPAddress, &w.Port,
		&w.SSHUser, &w.AuthMethod, &w.SSHPrivateKey, &w.Password, &w.Provision,
		&w.MaxJobs, &w.Status, &w.State, &w.LastSeen, &w.ErrorMessage, &w.LogFilePath,
		&w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (s *SQLiteStorage) CreateWorker(ctx context.Context, worker *Worker) error {
	now := time.Now().UTC()
	if worker.CreatedAt.IsZero() {
		worker.CreatedAt = now
	}
	worker.UpdatedAt = now
	if worker.MaxJobs < 1 {
		worker.MaxJobs = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO workers (name, worker_type, hostname, ip_address, port,
			ssh_user, auth_method, ssh_private_key, password, provision,
			max_jobs, status, state, last_seen, error_message, log_file_path,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		worker.Name, worker.WorkerType, worker.Hostname, worker.IPAddress, worker.Port,
		worker.SSHUser, worker.AuthMethod, worker.SSHPrivateKey, worker.Password,
		worker.Provision, worker.MaxJobs, worker.Status, worker.State,
		worker.LastSeen, worker.ErrorMessage, worker.LogFilePath,
		worker.CreatedAt, worker.UpdatedAt)
	if err != nil {
		return err
	}
	if worker.ID, err = res.LastInsertId(); err != nil {
		return err
	}

	// Default agent port derives from the row id.
	if worker.Port == 0 {
		worker.Port = 8500 + int(worker.ID)
		if _, err := tx.ExecContext(ctx,
			`UPDATE workers SET port = ? WHERE id = ?`, worker.Port, worker.ID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStorage) GetWorker(ctx context.Context, id int64) (*Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers w WHERE w.id = ?`, id)
	return scanWorker(row)
}

func (s *SQLiteStorage) GetWorkerByName(ctx context.Context, name string) (*Worker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workerColumns+` FROM workers w WHERE w.name = ?`, name)
	return scanWorker(row)
}

func (s *SQLiteStorage) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers w ORDER BY w.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *SQLiteStorage) SaveWorker(ctx context.Context, worker *Worker) error {
	worker.UpdatedAt = time.Now().UTC()
	if worker.MaxJobs < 1 {
		worker.MaxJobs = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workers SET name = ?, worker_type = ?, hostname = ?, ip_address = ?,
			port = ?, ssh_user = ?, auth_method = ?, ssh_private_key = ?, password = ?,
			provision = ?, max_jobs = ?, status = ?, state = ?, last_seen = ?,
			error_message = ?, log_file_path = ?, updated_at = ?
		 WHERE id = ?`,
		worker.Name, worker.WorkerType, worker.Hostname, worker.IPAddress,
		worker.Port, worker.SSHUser, worker.AuthMethod, worker.SSHPrivateKey,
		worker.Password, worker.Provision, worker.MaxJobs, worker.Status,
		worker.State, worker.LastSeen, worker.ErrorMessage, worker.LogFilePath,
		worker.UpdatedAt, worker.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (s *SQLiteStorage) DeleteWorker(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	return err
}
