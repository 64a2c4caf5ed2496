package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ehrlich-b/sling/internal/crypto"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// canaryValue is the known plaintext kept encrypted in key_canary so a wrong
// secret key is caught at startup instead of silently writing rows the right
// key can no longer read.
const canaryValue = "sling-canary-v1"

// jobTransitions maps a target status to the statuses it may be reached
// from. Terminal statuses are sticky; an upload failure may take a job from
// initial straight to failure.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusSubmitted: {JobStatusInitial},
	JobStatusSuccess:   {JobStatusSubmitted},
	JobStatusFailure:   {JobStatusInitial, JobStatusSubmitted},
}

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	cipher *crypto.Cipher // nil = no encryption (tests)
	log    *slog.Logger
}

// NewSQLite creates a new SQLite storage.
// Use ":memory:" for in-memory database, or a file path for persistent
// storage. If encryptionSecret is provided, queued submission passwords are
// encrypted at rest.
func NewSQLite(dsn string, encryptionSecret string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	// Concurrent submissions write from several goroutines; busy-wait up to
	// 30s instead of surfacing SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout = 30000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	var cipher *crypto.Cipher
	if encryptionSecret != "" {
		cipher, err = crypto.NewCipher(encryptionSecret)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create cipher: %w", err)
		}
	}

	s := &SQLiteStorage{db: db, cipher: cipher, log: slog.Default()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.validateOrRotateKeys(); err != nil {
		db.Close()
		return nil, err
	}
	if s.cipher != nil {
		if err := s.migrateEncryptSecrets(); err != nil {
			db.Close()
			return nil, fmt.Errorf("encrypt secrets migration: %w", err)
		}
	}

	return s, nil
}

func (s *SQLiteStorage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS interpreters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			arguments TEXT NOT NULL DEFAULT '[]',
			created DATETIME NOT NULL,
			modified DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS servers (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			hostname TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 22,
			created DATETIME NOT NULL,
			modified DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS server_interpreters (
			server_id INTEGER NOT NULL,
			interpreter_id INTEGER NOT NULL,
			PRIMARY KEY (server_id, interpreter_id),
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE,
			FOREIGN KEY (interpreter_id) REFERENCES interpreters(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			program TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'initial',
			owner TEXT NOT NULL,
			server_id INTEGER NOT NULL,
			interpreter_id INTEGER NOT NULL,
			remote_directory TEXT NOT NULL,
			remote_filename TEXT NOT NULL,
			created DATETIME NOT NULL,
			modified DATETIME NOT NULL,
			FOREIGN KEY (server_id) REFERENCES servers(id),
			FOREIGN KEY (interpreter_id) REFERENCES interpreters(id)
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id INTEGER NOT NULL,
			time DATETIME NOT NULL,
			stream TEXT NOT NULL DEFAULT 'stdout',
			content TEXT NOT NULL,
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id INTEGER NOT NULL,
			remote_filename TEXT NOT NULL,
			local_file TEXT NOT NULL,
			created DATETIME NOT NULL,
			modified DATETIME NOT NULL,
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			hash TEXT NOT NULL UNIQUE,
			username TEXT NOT NULL,
			created DATETIME NOT NULL,
			revoked_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS queued_submissions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id INTEGER NOT NULL,
			options TEXT NOT NULL DEFAULT '{}',
			password TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'pending',
			error TEXT NOT NULL DEFAULT '',
			created DATETIME NOT NULL,
			modified DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME,
			FOREIGN KEY (job_id) REFERENCES jobs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS key_canary (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			encrypted_value TEXT NOT NULL,
			created DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_owner ON jobs(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_job_id ON logs(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_results_job_id ON results(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_hash ON tokens(hash)`,
		`CREATE INDEX IF NOT EXISTS idx_queued_state ON queued_submissions(state)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// validateOrRotateKeys checks the database's key canary against the
// configured cipher. On the first encrypted boot the canary is planted.
func (s *SQLiteStorage) validateOrRotateKeys() error {
	if s.cipher == nil {
		return nil
	}

	var encryptedValue string
	err := s.db.QueryRow(`SELECT encrypted_value FROM key_canary WHERE id = 1`).Scan(&encryptedValue)
	if err == sql.ErrNoRows {
		enc, err := s.cipher.Encrypt(canaryValue)
		if err != nil {
			return fmt.Errorf("encrypt canary: %w", err)
		}
		if _, err := s.db.Exec(`INSERT INTO key_canary (id, encrypted_value, created) VALUES (1, ?, ?)`,
			enc, time.Now()); err != nil {
			return fmt.Errorf("insert canary: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read canary: %w", err)
	}

	plain, err := s.cipher.Decrypt(encryptedValue)
	if err != nil || plain != canaryValue {
		return fmt.Errorf("cannot decrypt canary: wrong SLING_SECRET_KEY for this database")
	}
	return nil
}

// migrateEncryptSecrets encrypts plaintext passwords left over from running
// without a secret key.
func (s *SQLiteStorage) migrateEncryptSecrets() error {
	rows, err := s.db.Query(`SELECT id, password FROM queued_submissions WHERE password != ''`)
	if err != nil {
		return err
	}
	var updates []struct {
		id       int64
		password string
	}
	for rows.Next() {
		var id int64
		var password string
		if err := rows.Scan(&id, &password); err != nil {
			rows.Close()
			return err
		}
		if crypto.IsEncrypted(password) {
			continue
		}
		enc, err := s.cipher.Encrypt(password)
		if err != nil {
			rows.Close()
			return err
		}
		updates = append(updates, struct {
			id       int64
			password string
		}{id, enc})
	}
	rows.Close()

	for _, u := range updates {
		if _, err := s.db.Exec(`UPDATE queued_submissions SET password = ? WHERE id = ?`,
			u.password, u.id); err != nil {
			return err
		}
		s.log.Info("encrypted queued submission password", "queue_id", u.id)
	}
	return nil
}

// encrypt encrypts a value if cipher is configured.
func (s *SQLiteStorage) encrypt(plaintext string) (string, error) {
	if s.cipher == nil || plaintext == "" {
		return plaintext, nil
	}
	return s.cipher.Encrypt(plaintext)
}

// decrypt decrypts a value if cipher is configured.
func (s *SQLiteStorage) decrypt(ciphertext string) (string, error) {
	if s.cipher == nil || ciphertext == "" {
		return ciphertext, nil
	}
	return s.cipher.Decrypt(ciphertext)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Interpreters ---

func (s *SQLiteStorage) CreateInterpreter(ctx context.Context, interp *Interpreter) error {
	args, err := json.Marshal(interp.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO interpreters (name, path, arguments, created, modified)
		 VALUES (?, ?, ?, ?, ?)`,
		interp.Name, interp.Path, string(args), now, now)
	if err != nil {
		return err
	}
	if interp.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	interp.CreatedAt = now
	interp.ModifiedAt = now
	return nil
}

func (s *SQLiteStorage) GetInterpreter(ctx context.Context, id int64) (*Interpreter, error) {
	interp := &Interpreter{}
	var args string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, arguments, created, modified FROM interpreters WHERE id = ?`, id).Scan(
		&interp.ID, &interp.Name, &interp.Path, &args, &interp.CreatedAt, &interp.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(args), &interp.Arguments); err != nil {
		return nil, fmt.Errorf("unmarshal arguments: %w", err)
	}
	return interp, nil
}

func (s *SQLiteStorage) ListInterpreters(ctx context.Context) ([]*Interpreter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, path, arguments, created, modified FROM interpreters ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var interps []*Interpreter
	for rows.Next() {
		interp := &Interpreter{}
		var args string
		if err := rows.Scan(&interp.ID, &interp.Name, &interp.Path, &args,
			&interp.CreatedAt, &interp.ModifiedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(args), &interp.Arguments); err != nil {
			return nil, fmt.Errorf("unmarshal arguments: %w", err)
		}
		interps = append(interps, interp)
	}
	return interps, rows.Err()
}

func (s *SQLiteStorage) DeleteInterpreter(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM interpreters WHERE id = ?`, id)
	return err
}

// --- Servers ---

func (s *SQLiteStorage) CreateServer(ctx context.Context, server *Server) error {
	if server.Port == 0 {
		server.Port = 22
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (title, hostname, port, created, modified)
		 VALUES (?, ?, ?, ?, ?)`,
		server.Title, server.Hostname, server.Port, now, now)
	if err != nil {
		return err
	}
	if server.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	server.CreatedAt = now
	server.ModifiedAt = now
	return nil
}

func (s *SQLiteStorage) GetServer(ctx context.Context, id int64) (*Server, error) {
	server := &Server{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, hostname, port, created, modified FROM servers WHERE id = ?`, id).Scan(
		&server.ID, &server.Title, &server.Hostname, &server.Port,
		&server.CreatedAt, &server.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return server, err
}

func (s *SQLiteStorage) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, hostname, port, created, modified FROM servers ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []*Server
	for rows.Next() {
		server := &Server{}
		if err := rows.Scan(&server.ID, &server.Title, &server.Hostname, &server.Port,
			&server.CreatedAt, &server.ModifiedAt); err != nil {
			return nil, err
		}
		servers = append(servers, server)
	}
	return servers, rows.Err()
}

func (s *SQLiteStorage) DeleteServer(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	return err
}

func (s *SQLiteStorage) AttachInterpreter(ctx context.Context, serverID, interpreterID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO server_interpreters (server_id, interpreter_id) VALUES (?, ?)`,
		serverID, interpreterID)
	return err
}

func (s *SQLiteStorage) DetachInterpreter(ctx context.Context, serverID, interpreterID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM server_interpreters WHERE server_id = ? AND interpreter_id = ?`,
		serverID, interpreterID)
	return err
}

func (s *SQLiteStorage) ServerHasInterpreter(ctx context.Context, serverID, interpreterID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM server_interpreters WHERE server_id = ? AND interpreter_id = ?`,
		serverID, interpreterID).Scan(&n)
	return n > 0, err
}

func (s *SQLiteStorage) ListServerInterpreters(ctx context.Context, serverID int64) ([]*Interpreter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.name, i.path, i.arguments, i.created, i.modified
		 FROM interpreters i
		 JOIN server_interpreters si ON si.interpreter_id = i.id
		 WHERE si.server_id = ? ORDER BY i.id`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var interps []*Interpreter
	for rows.Next() {
		interp := &Interpreter{}
		var args string
		if err := rows.Scan(&interp.ID, &interp.Name, &interp.Path, &args,
			&interp.CreatedAt, &interp.ModifiedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(args), &interp.Arguments); err != nil {
			return nil, fmt.Errorf("unmarshal arguments: %w", err)
		}
		interps = append(interps, interp)
	}
	return interps, rows.Err()
}

// --- Jobs ---

// CreateJob validates that the job's interpreter is available on its server,
// assigns a fresh UUID when none is set, and persists the row.
func (s *SQLiteStorage) CreateJob(ctx context.Context, job *Job) error {
	ok, err := s.ServerHasInterpreter(ctx, job.ServerID, job.InterpreterID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInterpreterNotAllowed
	}

	if job.UUID == "" {
		job.UUID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobStatusInitial
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (uuid, title, program, status, owner, server_id, interpreter_id,
		                   remote_directory, remote_filename, created, modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.UUID, job.Title, job.Program, job.Status, job.Owner, job.ServerID, job.InterpreterID,
		job.RemoteDirectory, job.RemoteFilename, now, now)
	if err != nil {
		return err
	}
	if job.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	job.CreatedAt = now
	job.ModifiedAt = now
	return nil
}

func (s *SQLiteStorage) GetJob(ctx context.Context, id int64) (*Job, error) {
	job := &Job{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uuid, title, program, status, owner, server_id, interpreter_id,
		        remote_directory, remote_filename, created, modified
		 FROM jobs WHERE id = ?`, id).Scan(
		&job.ID, &job.UUID, &job.Title, &job.Program, &job.Status, &job.Owner,
		&job.ServerID, &job.InterpreterID, &job.RemoteDirectory, &job.RemoteFilename,
		&job.CreatedAt, &job.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *SQLiteStorage) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT id, uuid, title, program, status, owner, server_id, interpreter_id,
	                 remote_directory, remote_filename, created, modified
	          FROM jobs WHERE 1=1`
	args := []any{}

	if filter.Owner != "" {
		query += " AND owner = ?"
		args = append(args, filter.Owner)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.ServerID != 0 {
		query += " AND server_id = ?"
		args = append(args, filter.ServerID)
	}

	query += " ORDER BY created DESC"

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

	return scanJobs(rows)
}

// ListRecentJobsByOwner returns the owner's jobs ordered by most recently
// modified, for subscriber replay.
func (s *SQLiteStorage) ListRecentJobsByOwner(ctx context.Context, owner string, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uuid, title, program, status, owner, server_id, interpreter_id,
		        remote_directory, remote_filename, created, modified
		 FROM jobs WHERE owner = ? ORDER BY modified DESC LIMIT ?`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job := &Job{}
		if err := rows.Scan(&job.ID, &job.UUID, &job.Title, &job.Program, &job.Status,
			&job.Owner, &job.ServerID, &job.InterpreterID, &job.RemoteDirectory,
			&job.RemoteFilename, &job.CreatedAt, &job.ModifiedAt); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobStatus applies a guarded status transition and returns the
// updated row. Illegal transitions, including any move out of a terminal
// status, fail with ErrInvalidTransition.
func (s *SQLiteStorage) UpdateJobStatus(ctx context.Context, id int64, status JobStatus) (*Job, error) {
	from, ok := jobTransitions[status]
	if !ok {
		return nil, fmt.Errorf("%w: cannot enter %q", ErrInvalidTransition, status)
	}

	query := `UPDATE jobs SET status = ?, modified = ? WHERE id = ? AND status IN (?` +
		strings.Repeat(", ?", len(from)-1) + `)`
	args := []any{status, time.Now(), id}
	for _, f := range from {
		args = append(args, f)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish a missing job from a guarded transition.
		if _, err := s.GetJob(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job %d cannot enter %q", ErrInvalidTransition, id, status)
	}
	return s.GetJob(ctx, id)
}

// --- Logs ---

// AppendLog persists one burst of output and returns the stored row.
func (s *SQLiteStorage) AppendLog(ctx context.Context, jobID int64, stream, content string, at time.Time) (*LogEntry, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (job_id, time, stream, content) VALUES (?, ?, ?, ?)`,
		jobID, at, stream, content)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &LogEntry{ID: id, JobID: jobID, Time: at, Stream: stream, Content: content}, nil
}

func (s *SQLiteStorage) GetLogs(ctx context.Context, jobID int64) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, time, stream, content FROM logs WHERE job_id = ? ORDER BY id`,
		jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*LogEntry
	for rows.Next() {
		log := &LogEntry{}
		if err := rows.Scan(&log.ID, &log.JobID, &log.Time, &log.Stream, &log.Content); err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

// --- Results ---

func (s *SQLiteStorage) CreateResult(ctx context.Context, result *Result) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO results (job_id, remote_filename, local_file, created, modified)
		 VALUES (?, ?, ?, ?, ?)`,
		result.JobID, result.RemoteFilename, result.LocalFile, now, now)
	if err != nil {
		return err
	}
	if result.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	result.CreatedAt = now
	result.ModifiedAt = now
	return nil
}

func (s *SQLiteStorage) GetResult(ctx context.Context, id int64) (*Result, error) {
	result := &Result{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, remote_filename, local_file, created, modified
		 FROM results WHERE id = ?`, id).Scan(
		&result.ID, &result.JobID, &result.RemoteFilename, &result.LocalFile,
		&result.CreatedAt, &result.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return result, err
}

func (s *SQLiteStorage) ListResults(ctx context.Context, jobID int64) ([]*Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, remote_filename, local_file, created, modified
		 FROM results WHERE job_id = ? ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		result := &Result{}
		if err := rows.Scan(&result.ID, &result.JobID, &result.RemoteFilename,
			&result.LocalFile, &result.CreatedAt, &result.ModifiedAt); err != nil {
			return nil, err
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// --- Tokens ---

func (s *SQLiteStorage) CreateToken(ctx context.Context, token *Token) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tokens (name, hash, username, created) VALUES (?, ?, ?, ?)`,
		token.Name, token.Hash, token.Username, now)
	if err != nil {
		return err
	}
	if token.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	token.CreatedAt = now
	return nil
}

func (s *SQLiteStorage) GetTokenByHash(ctx context.Context, hash string) (*Token, error) {
	token := &Token{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, hash, username, created, revoked_at
		 FROM tokens WHERE hash = ? AND revoked_at IS NULL`, hash).Scan(
		&token.ID, &token.Name, &token.Hash, &token.Username, &token.CreatedAt, &token.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return token, err
}

func (s *SQLiteStorage) ListTokens(ctx context.Context) ([]*Token, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, hash, username, created, revoked_at FROM tokens ORDER BY created DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*Token
	for rows.Next() {
		token := &Token{}
		if err := rows.Scan(&token.ID, &token.Name, &token.Hash,
			&token.Username, &token.CreatedAt, &token.RevokedAt); err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

func (s *SQLiteStorage) RevokeToken(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked_at = ? WHERE id = ?`,
		time.Now(), id)
	return err
}

// --- Submission queue ---

// EnqueueSubmission stores a pending deferred submission. The password is
// encrypted before it reaches the database when a cipher is configured.
func (s *SQLiteStorage) EnqueueSubmission(ctx context.Context, sub *QueuedSubmission) error {
	password, err := s.encrypt(sub.Password)
	if err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}
	if sub.Options == "" {
		sub.Options = "{}"
	}
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queued_submissions (job_id, options, password, state, created, modified)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sub.JobID, sub.Options, password, QueuePending, now, now)
	if err != nil {
		return err
	}
	if sub.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	sub.State = QueuePending
	sub.CreatedAt = now
	sub.ModifiedAt = now
	return nil
}

// GetSubmission returns one queued submission for status polling. The
// password column never leaves this layer.
func (s *SQLiteStorage) GetSubmission(ctx context.Context, id int64) (*QueuedSubmission, error) {
	sub := &QueuedSubmission{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, options, state, error, created, modified, started_at, finished_at
		 FROM queued_submissions WHERE id = ?`, id).Scan(
		&sub.ID, &sub.JobID, &sub.Options, &sub.State, &sub.Error,
		&sub.CreatedAt, &sub.ModifiedAt, &sub.StartedAt, &sub.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sub, err
}

// ClaimSubmission moves the oldest pending submission to running and returns
// it with the password decrypted. The guarded update arbitrates between
// concurrent workers; ErrNotFound means the queue is empty.
func (s *SQLiteStorage) ClaimSubmission(ctx context.Context) (*QueuedSubmission, error) {
	for {
		sub := &QueuedSubmission{}
		err := s.db.QueryRowContext(ctx,
			`SELECT id, job_id, options, password, state, error, created, modified, started_at, finished_at
			 FROM queued_submissions WHERE state = ? ORDER BY id LIMIT 1`, QueuePending).Scan(
			&sub.ID, &sub.JobID, &sub.Options, &sub.Password, &sub.State, &sub.Error,
			&sub.CreatedAt, &sub.ModifiedAt, &sub.StartedAt, &sub.FinishedAt)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}

		now := time.Now()
		res, err := s.db.ExecContext(ctx,
			`UPDATE queued_submissions SET state = ?, started_at = ?, modified = ? WHERE id = ? AND state = ?`,
			QueueRunning, now, now, sub.ID, QueuePending)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue // another worker claimed it first
		}

		sub.State = QueueRunning
		sub.StartedAt = &now
		sub.ModifiedAt = now
		if sub.Password, err = s.decrypt(sub.Password); err != nil {
			return nil, fmt.Errorf("decrypt password: %w", err)
		}
		return sub, nil
	}
}

// FinishSubmission records the outcome of a claimed submission.
func (s *SQLiteStorage) FinishSubmission(ctx context.Context, id int64, state QueueState, errMsg string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE queued_submissions SET state = ?, error = ?, finished_at = ?, modified = ? WHERE id = ?`,
		state, errMsg, now, now, id)
	return err
}

// ResetRunningSubmissions returns claims orphaned by a crash to the queue.
// Called once at startup before the dispatcher workers start.
func (s *SQLiteStorage) ResetRunningSubmissions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queued_submissions SET state = ?, started_at = NULL, modified = ? WHERE state = ?`,
		QueuePending, time.Now(), QueueRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
