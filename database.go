package pipeworker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// WorkerRegistration is one row of the registration table, identifying a
// worker and a hash of its full configuration.
type WorkerRegistration struct {
	WorkerName       string
	RegistrationTime time.Time
	ConfigJSON       string
	ConfigUUID       string
}

// ProcessRegistration is one registered unit of a worker, in running order.
type ProcessRegistration struct {
	WorkerName    string
	ProcessIndex  int
	Process       string
	FullTableName string
	Restriction   string
	ConfigUUID    string
}

// JobStore is everything the worker needs from the database: the
// pipeline framework's per-schema jobs tables, the server's process
// list, and the worker's own bookkeeping tables.
type JobStore interface {
	// EnsureWorkerTables creates the worker schema and its tables if missing.
	EnsureWorkerTables(ctx context.Context) error

	// ConnectionUser returns the database user of the current connection.
	ConnectionUser(ctx context.Context) (string, error)

	RegistrationExists(ctx context.Context, workerName, configUUID string) (bool, error)
	SaveRegistration(ctx context.Context, reg WorkerRegistration, processes []ProcessRegistration) error

	// StaleReservations lists reserved jobs in the schema older than the
	// given age. Liveness of the owning connection is not checked here.
	StaleReservations(ctx context.Context, schema string, olderThan time.Duration) ([]JobReservation, error)

	// ActiveConnections returns the connection ids currently alive on the
	// server, excluding the store's own.
	ActiveConnections(ctx context.Context) (map[uint64]struct{}, error)

	// MarkReservationError flips a still-reserved job to error status.
	// Returns false when the row was already mutated by someone else.
	MarkReservationError(ctx context.Context, schema string, r JobReservation, message string) (bool, error)

	// DeleteReservation removes a still-reserved job. Returns false when
	// the row was already mutated by someone else.
	DeleteReservation(ctx context.Context, schema string, r JobReservation) (bool, error)

	// ErrorReservations lists errored jobs whose message matches any of
	// the LIKE patterns.
	ErrorReservations(ctx context.Context, schema string, patterns []string) ([]JobReservation, error)

	// ClearErrorReservations deletes errored jobs whose message matches
	// any of the LIKE patterns, returning the number removed.
	ClearErrorReservations(ctx context.Context, schema string, patterns []string) (int64, error)

	LogWorkerJob(ctx context.Context, entry WorkerLogEntry) error
	LogError(ctx context.Context, rec ErrorRecord) error

	// PruneLogs drops worker/error log rows older than cutoffDays.
	PruneLogs(ctx context.Context, cutoffDays int) error

	// RecentActivity summarizes worker-log rows per process within the
	// backtrack window.
	RecentActivity(ctx context.Context, backtrackMinutes int) ([]RecentActivity, error)

	// JobStatusSummary tallies reservations per table for one schema.
	JobStatusSummary(ctx context.Context, schema string) ([]TableJobStatus, error)
}

const (
	jobsTable       = "~jobs"
	registryTable   = "~registered_worker"
	registryProcess = "~registered_worker__process"
	workerLogTable  = "~worker_log"
	errorLogTable   = "~error_log"
)

// MySQLStore is the JobStore backed by the pipeline framework's MySQL
// server. The *sql.DB must be opened with parseTime=true.
type MySQLStore struct {
	db           *sql.DB
	workerSchema string
}

func NewMySQLStore(db *sql.DB, workerSchema string) *MySQLStore {
	return &MySQLStore{db: db, workerSchema: workerSchema}
}

func (s *MySQLStore) EnsureWorkerTables(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", s.workerSchema),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s`.`%s` ("+
			"worker_name varchar(64) NOT NULL,"+
			"registration_time datetime(6) NOT NULL,"+
			"worker_config longtext NOT NULL,"+
			"worker_config_uuid char(36) NOT NULL,"+
			"PRIMARY KEY (worker_name),"+
			"UNIQUE KEY uq_worker_config (worker_name, worker_config_uuid)"+
			")", s.workerSchema, registryTable),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s`.`%s` ("+
			"worker_name varchar(64) NOT NULL,"+
			"process_index int NOT NULL,"+
			"process varchar(64) NOT NULL,"+
			"full_table_name varchar(255) NOT NULL DEFAULT '',"+
			"restriction varchar(2047) NOT NULL DEFAULT '',"+
			"process_config_uuid char(36) NOT NULL,"+
			"PRIMARY KEY (worker_name, process_index)"+
			")", s.workerSchema, registryProcess),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s`.`%s` ("+
			"process_timestamp datetime(6) NOT NULL,"+
			"process varchar(64) NOT NULL,"+
			"worker_name varchar(255) NOT NULL DEFAULT '',"+
			"host varchar(255) NOT NULL,"+
			"user varchar(255) NOT NULL DEFAULT '',"+
			"pid int unsigned NOT NULL DEFAULT 0,"+
			"PRIMARY KEY (process_timestamp, process)"+
			")", s.workerSchema, workerLogTable),
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s`.`%s` ("+
			"process varchar(64) NOT NULL,"+
			"key_hash char(32) NOT NULL,"+
			"error_timestamp datetime(6) NOT NULL,"+
			"`key` varchar(2047) NOT NULL,"+
			"error_message varchar(2047) NOT NULL DEFAULT '',"+
			"host varchar(255) NOT NULL,"+
			"user varchar(255) NOT NULL DEFAULT '',"+
			"pid int unsigned NOT NULL DEFAULT 0,"+
			"PRIMARY KEY (process, key_hash)"+
			")", s.workerSchema, errorLogTable),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure worker tables: %w", err)
		}
	}
	return nil
}

func (s *MySQLStore) ConnectionUser(ctx context.Context) (string, error) {
	var user string
	if err := s.db.QueryRowContext(ctx, "SELECT CURRENT_USER()").Scan(&user); err != nil {
		return "", err
	}
	return user, nil
}

func (s *MySQLStore) RegistrationExists(ctx context.Context, workerName, configUUID string) (bool, error) {
	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM `%s`.`%s` WHERE worker_name = ? AND worker_config_uuid = ?",
		s.workerSchema, registryTable)
	var n int
	if err := s.db.QueryRowContext(ctx, query, workerName, configUUID).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MySQLStore) SaveRegistration(ctx context.Context, reg WorkerRegistration, processes []ProcessRegistration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	del := fmt.Sprintf("DELETE FROM `%s`.`%s` WHERE worker_name = ?", s.workerSchema, registryProcess)
	if _, err := tx.ExecContext(ctx, del, reg.WorkerName); err != nil {
		return err
	}
	del = fmt.Sprintf("DELETE FROM `%s`.`%s` WHERE worker_name = ?", s.workerSchema, registryTable)
	if _, err := tx.ExecContext(ctx, del, reg.WorkerName); err != nil {
		return err
	}

	ins := fmt.Sprintf(
		"INSERT INTO `%s`.`%s` (worker_name, registration_time, worker_config, worker_config_uuid) VALUES (?, ?, ?, ?)",
		s.workerSchema, registryTable)
	if _, err := tx.ExecContext(ctx, ins,
		reg.WorkerName, reg.RegistrationTime, reg.ConfigJSON, reg.ConfigUUID); err != nil {
		return err
	}

	ins = fmt.Sprintf(
		"INSERT INTO `%s`.`%s` (worker_name, process_index, process, full_table_name, restriction, process_config_uuid) VALUES (?, ?, ?, ?, ?, ?)",
		s.workerSchema, registryProcess)
	for _, p := range processes {
		if _, err := tx.ExecContext(ctx, ins,
			p.WorkerName, p.ProcessIndex, p.Process, p.FullTableName, p.Restriction, p.ConfigUUID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *MySQLStore) StaleReservations(ctx context.Context, schema string, olderThan time.Duration) ([]JobReservation, error) {
	query := fmt.Sprintf(`
		SELECT table_name, key_hash, status, `+"`key`"+`, error_message, user, host, pid, connection_id, timestamp
		FROM `+"`%s`.`%s`"+`
		WHERE status = 'reserved' AND timestamp < DATE_SUB(NOW(), INTERVAL ? SECOND)
		ORDER BY timestamp
`, schema, jobsTable)
	rows, err := s.db.QueryContext(ctx, query, int64(olderThan/time.Second))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

func (s *MySQLStore) ActiveConnections(ctx context.Context) (map[uint64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM information_schema.processlist WHERE id <> CONNECTION_ID()")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alive := make(map[uint64]struct{})
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		alive[id] = struct{}{}
	}
	return alive, rows.Err()
}

func (s *MySQLStore) MarkReservationError(ctx context.Context, schema string, r JobReservation, message string) (bool, error) {
	stmt := fmt.Sprintf(
		"UPDATE `%s`.`%s` SET status = 'error', error_message = ? WHERE table_name = ? AND key_hash = ? AND status = 'reserved'",
		schema, jobsTable)
	res, err := s.db.ExecContext(ctx, stmt, message, r.TableName, r.KeyHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *MySQLStore) DeleteReservation(ctx context.Context, schema string, r JobReservation) (bool, error) {
	stmt := fmt.Sprintf(
		"DELETE FROM `%s`.`%s` WHERE table_name = ? AND key_hash = ? AND status = 'reserved'",
		schema, jobsTable)
	res, err := s.db.ExecContext(ctx, stmt, r.TableName, r.KeyHash)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *MySQLStore) ErrorReservations(ctx context.Context, schema string, patterns []string) ([]JobReservation, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT table_name, key_hash, status, `+"`key`"+`, error_message, user, host, pid, connection_id, timestamp
		FROM `+"`%s`.`%s`"+`
		WHERE status = 'error' AND (%s)
`, schema, jobsTable, likeClause(len(patterns)))
	rows, err := s.db.QueryContext(ctx, query, patternArgs(patterns)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

func (s *MySQLStore) ClearErrorReservations(ctx context.Context, schema string, patterns []string) (int64, error) {
	if len(patterns) == 0 {
		return 0, nil
	}
	stmt := fmt.Sprintf(
		"DELETE FROM `%s`.`%s` WHERE status = 'error' AND (%s)",
		schema, jobsTable, likeClause(len(patterns)))
	res, err := s.db.ExecContext(ctx, stmt, patternArgs(patterns)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *MySQLStore) LogWorkerJob(ctx context.Context, entry WorkerLogEntry) error {
	stmt := fmt.Sprintf(
		"INSERT INTO `%s`.`%s` (process_timestamp, process, worker_name, host, user, pid) VALUES (?, ?, ?, ?, ?, ?)",
		s.workerSchema, workerLogTable)
	_, err := s.db.ExecContext(ctx, stmt,
		entry.Timestamp, entry.Process, entry.Worker, entry.Host, entry.User, entry.PID)
	return err
}

func (s *MySQLStore) LogError(ctx context.Context, rec ErrorRecord) error {
	// Same process + key hash updates the existing record in place.
	stmt := fmt.Sprintf(
		"INSERT INTO `%s`.`%s` (process, key_hash, error_timestamp, `key`, error_message, host, user, pid) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?) "+
			"ON DUPLICATE KEY UPDATE error_timestamp = VALUES(error_timestamp), "+
			"error_message = VALUES(error_message), host = VALUES(host), user = VALUES(user), pid = VALUES(pid)",
		s.workerSchema, errorLogTable)
	_, err := s.db.ExecContext(ctx, stmt,
		rec.Process, rec.KeyHash, rec.Timestamp, rec.Key, rec.ErrorMessage, rec.Host, rec.User, rec.PID)
	return err
}

func (s *MySQLStore) PruneLogs(ctx context.Context, cutoffDays int) error {
	stmt := fmt.Sprintf(
		"DELETE FROM `%s`.`%s` WHERE process_timestamp < DATE_SUB(UTC_TIMESTAMP(), INTERVAL ? DAY)",
		s.workerSchema, workerLogTable)
	if _, err := s.db.ExecContext(ctx, stmt, cutoffDays); err != nil {
		return err
	}
	stmt = fmt.Sprintf(
		"DELETE FROM `%s`.`%s` WHERE error_timestamp < DATE_SUB(UTC_TIMESTAMP(), INTERVAL ? DAY)",
		s.workerSchema, errorLogTable)
	_, err := s.db.ExecContext(ctx, stmt, cutoffDays)
	return err
}

func (s *MySQLStore) RecentActivity(ctx context.Context, backtrackMinutes int) ([]RecentActivity, error) {
	query := fmt.Sprintf(`
		SELECT process,
		       COUNT(DISTINCT pid),
		       TIMESTAMPDIFF(MINUTE, MIN(process_timestamp), UTC_TIMESTAMP()),
		       TIMESTAMPDIFF(MINUTE, MAX(process_timestamp), UTC_TIMESTAMP())
		FROM `+"`%s`.`%s`"+`
		WHERE process_timestamp > DATE_SUB(UTC_TIMESTAMP(), INTERVAL ? MINUTE)
		GROUP BY process
		ORDER BY process
`, s.workerSchema, workerLogTable)
	rows, err := s.db.QueryContext(ctx, query, backtrackMinutes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecentActivity
	for rows.Next() {
		var a RecentActivity
		if err := rows.Scan(&a.Process, &a.WorkerCount, &a.MinutesSinceOldest, &a.MinutesSinceNewest); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *MySQLStore) JobStatusSummary(ctx context.Context, schema string) ([]TableJobStatus, error) {
	query := fmt.Sprintf(
		"SELECT table_name, status, COUNT(*) FROM `%s`.`%s` GROUP BY table_name, status ORDER BY table_name",
		schema, jobsTable)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byTable := make(map[string]*TableJobStatus)
	var order []string
	for rows.Next() {
		var table, status string
		var count int
		if err := rows.Scan(&table, &status, &count); err != nil {
			return nil, err
		}
		t, ok := byTable[table]
		if !ok {
			t = &TableJobStatus{TableName: table}
			byTable[table] = t
			order = append(order, table)
		}
		switch ReservationStatus(status) {
		case StatusReserved:
			t.Reserved = count
		case StatusError:
			t.Errored = count
		case StatusIgnore:
			t.Ignored = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]TableJobStatus, 0, len(order))
	for _, name := range order {
		out = append(out, *byTable[name])
	}
	return out, nil
}

func scanReservations(rows *sql.Rows) ([]JobReservation, error) {
	var out []JobReservation
	for rows.Next() {
		var r JobReservation
		var status string
		var key, errMsg, user, host sql.NullString
		if err := rows.Scan(&r.TableName, &r.KeyHash, &status, &key, &errMsg,
			&user, &host, &r.PID, &r.ConnectionID, &r.ReservedAt); err != nil {
			return nil, err
		}
		r.Status = ReservationStatus(status)
		r.Key = key.String
		r.ErrorMessage = errMsg.String
		r.User = user.String
		r.Host = host.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func likeClause(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "error_message LIKE ?"
	}
	return strings.Join(parts, " OR ")
}

func patternArgs(patterns []string) []any {
	args := make([]any, len(patterns))
	for i, p := range patterns {
		args[i] = p
	}
	return args
}
