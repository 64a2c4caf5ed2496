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
	_ "github.com/lib/pq"
)

// PostgresStorage implements Storage using PostgreSQL. Same schema shape and
// transition guards as the SQLite implementation; multi-process deployments
// should prefer it so the dispatch queue is shared.
type PostgresStorage struct {
	db     *sql.DB
	cipher *crypto.Cipher
	log    *slog.Logger
}

// NewPostgres creates a PostgreSQL storage from a lib/pq connection string
// or URL (postgres://...).
func NewPostgres(dsn string, encryptionSecret string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	var cipher *crypto.Cipher
	if encryptionSecret != "" {
		cipher, err = crypto.NewCipher(encryptionSecret)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("create cipher: %w", err)
		}
	}

	s := &PostgresStorage{db: db, cipher: cipher, log: slog.Default()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.validateOrRotateKeys(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS interpreters (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL,
			arguments TEXT NOT NULL DEFAULT '[]',
			created TIMESTAMPTZ NOT NULL,
			modified TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS servers (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			hostname TEXT NOT NULL,
			port INTEGER NOT NULL DEFAULT 22,
			created TIMESTAMPTZ NOT NULL,
			modified TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS server_interpreters (
			server_id BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
			interpreter_id BIGINT NOT NULL REFERENCES interpreters(id) ON DELETE CASCADE,
			PRIMARY KEY (server_id, interpreter_id)
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id BIGSERIAL PRIMARY KEY,
			uuid TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			program TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'initial',
			owner TEXT NOT NULL,
			server_id BIGINT NOT NULL REFERENCES servers(id),
			interpreter_id BIGINT NOT NULL REFERENCES interpreters(id),
			remote_directory TEXT NOT NULL,
			remote_filename TEXT NOT NULL,
			created TIMESTAMPTZ NOT NULL,
			modified TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS logs (
			id BIGSERIAL PRIMARY KEY,
			job_id BIGINT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			time TIMESTAMPTZ NOT NULL,
			stream TEXT NOT NULL DEFAULT 'stdout',
			content TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS results (
			id BIGSERIAL PRIMARY KEY,
			job_id BIGINT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			remote_filename TEXT NOT NULL,
			local_file TEXT NOT NULL,
			created TIMESTAMPTZ NOT NULL,
			modified TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			hash TEXT NOT NULL UNIQUE,
			username TEXT NOT NULL,
			created TIMESTAMPTZ NOT NULL,
			revoked_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS queued_submissions (
			id BIGSERIAL PRIMARY KEY,
			job_id BIGINT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
			options TEXT NOT NULL DEFAULT '{}',
			password TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL DEFAULT 'pending',
			error TEXT NOT NULL DEFAULT '',
			created TIMESTAMPTZ NOT NULL,
			modified TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS key_canary (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			encrypted_value TEXT NOT NULL,
			created TIMESTAMPTZ NOT NULL
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

func (s *PostgresStorage) validateOrRotateKeys() error {
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
		if _, err := s.db.Exec(`INSERT INTO key_canary (id, encrypted_value, created) VALUES (1, $1, $2)`,
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

func (s *PostgresStorage) encrypt(plaintext string) (string, error) {
	if s.cipher == nil || plaintext == "" {
		return plaintext, nil
	}
	return s.cipher.Encrypt(plaintext)
}

func (s *PostgresStorage) decrypt(ciphertext string) (string, error) {
	if s.cipher == nil || ciphertext == "" {
		return ciphertext, nil
	}
	return s.cipher.Decrypt(ciphertext)
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

// --- Interpreters ---

func (s *PostgresStorage) CreateInterpreter(ctx context.Context, interp *Interpreter) error {
	args, err := json.Marshal(interp.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	now := time.Now()
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO interpreters (name, path, arguments, created, modified)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		interp.Name, interp.Path, string(args), now, now).Scan(&interp.ID)
	if err != nil {
		return err
	}
	interp.CreatedAt = now
	interp.ModifiedAt = now
	return nil
}

func (s *PostgresStorage) GetInterpreter(ctx context.Context, id int64) (*Interpreter, error) {
	interp := &Interpreter{}
	var args string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, path, arguments, created, modified FROM interpreters WHERE id = $1`, id).Scan(
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

func (s *PostgresStorage) ListInterpreters(ctx context.Context) ([]*Interpreter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, path, arguments, created, modified FROM interpreters ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInterpreters(rows)
}

func (s *PostgresStorage) DeleteInterpreter(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM interpreters WHERE id = $1`, id)
	return err
}

// --- Servers ---

func (s *PostgresStorage) CreateServer(ctx context.Context, server *Server) error {
	if server.Port == 0 {
		server.Port = 22
	}
	now := time.Now()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO servers (title, hostname, port, created, modified)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		server.Title, server.Hostname, server.Port, now, now).Scan(&server.ID)
	if err != nil {
		return err
	}
	server.CreatedAt = now
	server.ModifiedAt = now
	return nil
}

func (s *PostgresStorage) GetServer(ctx context.Context, id int64) (*Server, error) {
	server := &Server{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, hostname, port, created, modified FROM servers WHERE id = $1`, id).Scan(
		&server.ID, &server.Title, &server.Hostname, &server.Port,
		&server.CreatedAt, &server.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return server, err
}

func (s *PostgresStorage) ListServers(ctx context.Context) ([]*Server, error) {
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

func (s *PostgresStorage) DeleteServer(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = $1`, id)
	return err
}

func (s *PostgresStorage) AttachInterpreter(ctx context.Context, serverID, interpreterID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO server_interpreters (server_id, interpreter_id) VALUES ($1, $2)
		 ON CONFLICT DO NOTHING`,
		serverID, interpreterID)
	return err
}

func (s *PostgresStorage) DetachInterpreter(ctx context.Context, serverID, interpreterID int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM server_interpreters WHERE server_id = $1 AND interpreter_id = $2`,
		serverID, interpreterID)
	return err
}

func (s *PostgresStorage) ServerHasInterpreter(ctx context.Context, serverID, interpreterID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM server_interpreters WHERE server_id = $1 AND interpreter_id = $2`,
		serverID, interpreterID).Scan(&n)
	return n > 0, err
}

func (s *PostgresStorage) ListServerInterpreters(ctx context.Context, serverID int64) ([]*Interpreter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT i.id, i.name, i.path, i.arguments, i.created, i.modified
		 FROM interpreters i
		 JOIN server_interpreters si ON si.interpreter_id = i.id
		 WHERE si.server_id = $1 ORDER BY i.id`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInterpreters(rows)
}

func scanInterpreters(rows *sql.Rows) ([]*Interpreter, error) {
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

func (s *PostgresStorage) CreateJob(ctx context.Context, job *Job) error {
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
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO jobs (uuid, title, program, status, owner, server_id, interpreter_id,
		                   remote_directory, remote_filename, created, modified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id`,
		job.UUID, job.Title, job.Program, job.Status, job.Owner, job.ServerID, job.InterpreterID,
		job.RemoteDirectory, job.RemoteFilename, now, now).Scan(&job.ID)
	if err != nil {
		return err
	}
	job.CreatedAt = now
	job.ModifiedAt = now
	return nil
}

func (s *PostgresStorage) GetJob(ctx context.Context, id int64) (*Job, error) {
	job := &Job{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, uuid, title, program, status, owner, server_id, interpreter_id,
		        remote_directory, remote_filename, created, modified
		 FROM jobs WHERE id = $1`, id).Scan(
		&job.ID, &job.UUID, &job.Title, &job.Program, &job.Status, &job.Owner,
		&job.ServerID, &job.InterpreterID, &job.RemoteDirectory, &job.RemoteFilename,
		&job.CreatedAt, &job.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return job, err
}

func (s *PostgresStorage) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT id, uuid, title, program, status, owner, server_id, interpreter_id,
	                 remote_directory, remote_filename, created, modified
	          FROM jobs WHERE 1=1`
	args := []any{}
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}

	if filter.Owner != "" {
		query += " AND owner = " + arg(filter.Owner)
	}
	if filter.Status != "" {
		query += " AND status = " + arg(filter.Status)
	}
	if filter.ServerID != 0 {
		query += " AND server_id = " + arg(filter.ServerID)
	}

	query += " ORDER BY created DESC"

	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (s *PostgresStorage) ListRecentJobsByOwner(ctx context.Context, owner string, limit int) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uuid, title, program, status, owner, server_id, interpreter_id,
		        remote_directory, remote_filename, created, modified
		 FROM jobs WHERE owner = $1 ORDER BY modified DESC LIMIT $2`, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

// UpdateJobStatus applies the same guarded transition as the SQLite
// implementation, with the row-level guard arbitrating between processes.
func (s *PostgresStorage) UpdateJobStatus(ctx context.Context, id int64, status JobStatus) (*Job, error) {
	from, ok := jobTransitions[status]
	if !ok {
		return nil, fmt.Errorf("%w: cannot enter %q", ErrInvalidTransition, status)
	}

	placeholders := make([]string, len(from))
	args := []any{status, time.Now(), id}
	for i, f := range from {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, f)
	}
	query := `UPDATE jobs SET status = $1, modified = $2 WHERE id = $3 AND status IN (` +
		strings.Join(placeholders, ", ") + `)`

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: job %d cannot enter %q", ErrInvalidTransition, id, status)
	}
	return s.GetJob(ctx, id)
}

// --- Logs ---

func (s *PostgresStorage) AppendLog(ctx context.Context, jobID int64, stream, content string, at time.Time) (*LogEntry, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO logs (job_id, time, stream, content) VALUES ($1, $2, $3, $4) RETURNING id`,
		jobID, at, stream, content).Scan(&id)
	if err != nil {
		return nil, err
	}
	return &LogEntry{ID: id, JobID: jobID, Time: at, Stream: stream, Content: content}, nil
}

func (s *PostgresStorage) GetLogs(ctx context.Context, jobID int64) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, time, stream, content FROM logs WHERE job_id = $1 ORDER BY id`,
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

func (s *PostgresStorage) CreateResult(ctx context.Context, result *Result) error {
	now := time.Now()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO results (job_id, remote_filename, local_file, created, modified)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		result.JobID, result.RemoteFilename, result.LocalFile, now, now).Scan(&result.ID)
	if err != nil {
		return err
	}
	result.CreatedAt = now
	result.ModifiedAt = now
	return nil
}

func (s *PostgresStorage) GetResult(ctx context.Context, id int64) (*Result, error) {
	result := &Result{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, remote_filename, local_file, created, modified
		 FROM results WHERE id = $1`, id).Scan(
		&result.ID, &result.JobID, &result.RemoteFilename, &result.LocalFile,
		&result.CreatedAt, &result.ModifiedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return result, err
}

func (s *PostgresStorage) ListResults(ctx context.Context, jobID int64) ([]*Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, remote_filename, local_file, created, modified
		 FROM results WHERE job_id = $1 ORDER BY id`, jobID)
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

func (s *PostgresStorage) CreateToken(ctx context.Context, token *Token) error {
	now := time.Now()
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO tokens (name, hash, username, created) VALUES ($1, $2, $3, $4) RETURNING id`,
		token.Name, token.Hash, token.Username, now).Scan(&token.ID)
	if err != nil {
		return err
	}
	token.CreatedAt = now
	return nil
}

func (s *PostgresStorage) GetTokenByHash(ctx context.Context, hash string) (*Token, error) {
	token := &Token{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, hash, username, created, revoked_at
		 FROM tokens WHERE hash = $1 AND revoked_at IS NULL`, hash).Scan(
		&token.ID, &token.Name, &token.Hash, &token.Username, &token.CreatedAt, &token.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return token, err
}

func (s *PostgresStorage) ListTokens(ctx context.Context) ([]*Token, error) {
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

func (s *PostgresStorage) RevokeToken(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tokens SET revoked_at = $1 WHERE id = $2`,
		time.Now(), id)
	return err
}

// --- Submission queue ---

func (s *PostgresStorage) EnqueueSubmission(ctx context.Context, sub *QueuedSubmission) error {
	password, err := s.encrypt(sub.Password)
	if err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}
	if sub.Options == "" {
		sub.Options = "{}"
	}
	now := time.Now()
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO queued_submissions (job_id, options, password, state, created, modified)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		sub.JobID, sub.Options, password, QueuePending, now, now).Scan(&sub.ID)
	if err != nil {
		return err
	}
	sub.State = QueuePending
	sub.CreatedAt = now
	sub.ModifiedAt = now
	return nil
}

// GetSubmission returns one queued submission for status polling. The
// password column never leaves this layer.
func (s *PostgresStorage) GetSubmission(ctx context.Context, id int64) (*QueuedSubmission, error) {
	sub := &QueuedSubmission{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, options, state, error, created, modified, started_at, finished_at
		 FROM queued_submissions WHERE id = $1`, id).Scan(
		&sub.ID, &sub.JobID, &sub.Options, &sub.State, &sub.Error,
		&sub.CreatedAt, &sub.ModifiedAt, &sub.StartedAt, &sub.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return sub, err
}

// ClaimSubmission uses FOR UPDATE SKIP LOCKED so concurrent workers never
// contend for the same row.
func (s *PostgresStorage) ClaimSubmission(ctx context.Context) (*QueuedSubmission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	sub := &QueuedSubmission{}
	err = tx.QueryRowContext(ctx,
		`SELECT id, job_id, options, password, state, error, created, modified, started_at, finished_at
		 FROM queued_submissions WHERE state = $1 ORDER BY id LIMIT 1
		 FOR UPDATE SKIP LOCKED`, QueuePending).Scan(
		&sub.ID, &sub.JobID, &sub.Options, &sub.Password, &sub.State, &sub.Error,
		&sub.CreatedAt, &sub.ModifiedAt, &sub.StartedAt, &sub.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE queued_submissions SET state = $1, started_at = $2, modified = $3 WHERE id = $4`,
		QueueRunning, now, now, sub.ID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	sub.State = QueueRunning
	sub.StartedAt = &now
	sub.ModifiedAt = now
	if sub.Password, err = s.decrypt(sub.Password); err != nil {
		return nil, fmt.Errorf("decrypt password: %w", err)
	}
	return sub, nil
}

func (s *PostgresStorage) FinishSubmission(ctx context.Context, id int64, state QueueState, errMsg string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE queued_submissions SET state = $1, error = $2, finished_at = $3, modified = $4 WHERE id = $5`,
		state, errMsg, now, now, id)
	return err
}

func (s *PostgresStorage) ResetRunningSubmissions(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queued_submissions SET state = $1, started_at = NULL, modified = $2 WHERE state = $3`,
		QueuePending, time.Now(), QueueRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
