package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward/backward schema change, applied inside a single
// transaction alongside the database_info.schema_version bump.
type migration struct {
	Version int
	Up      func(tx *sql.Tx) error
	Down    func(tx *sql.Tx) error
}

var migrations = []migration{
	{Version: 1, Up: migration1Up, Down: migration1Down},
}

// migrate brings the schema from its current persisted version up to
// cfg.TargetSchemaVersion (default: the highest registered migration),
// running each step's Up function and the version bump in one transaction.
func (s *Store) migrate(ctx context.Context) error {
	if err := s.ensureDatabaseInfo(ctx); err != nil {
		return err
	}
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	target := s.cfg.TargetSchemaVersion
	if target == 0 {
		for _, m := range migrations {
			if m.Version > target {
				target = m.Version
			}
		}
	}

	for _, m := range migrations {
		if m.Version <= current || m.Version > target {
			continue
		}
		if err := s.Transaction(ctx, func(tx *sql.Tx) error {
			if err := m.Up(tx); err != nil {
				return fmt.Errorf("migration %d: %w", m.Version, err)
			}
			_, err := tx.ExecContext(ctx,
				`INSERT INTO database_info (key, value) VALUES ('schema_version', ?)
				 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				fmt.Sprintf("%d", m.Version))
			return err
		}); err != nil {
			return err
		}
		s.logger.Info("applied schema migration %d", m.Version)
	}
	return nil
}

func (s *Store) ensureDatabaseInfo(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS database_info (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`)
	return err
}

func (s *Store) schemaVersion(ctx context.Context) (int, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM database_info WHERE key = 'schema_version'`).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var version int
	if _, err := fmt.Sscanf(value, "%d", &version); err != nil {
		return 0, fmt.Errorf("parse schema_version %q: %w", value, err)
	}
	return version, nil
}

// migration1Up creates the base schema: tasks (root and sub-tasks share one
// row shape, distinguished by parent_id), subtasks (explicit
// dependency edges), instances, task_logs, task_results, instance_telemetry,
// time_series_metrics, plus an FTS5 index over task text fields.
func migration1Up(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE tasks (
			id              TEXT PRIMARY KEY,
			parent_id       TEXT REFERENCES tasks(id) ON DELETE CASCADE,
			status          TEXT NOT NULL DEFAULT 'pending',
			progress        INTEGER NOT NULL DEFAULT 0,
			priority        TEXT NOT NULL DEFAULT 'medium',
			execution_mode  TEXT NOT NULL DEFAULT 'sequential',
			name            TEXT NOT NULL DEFAULT '',
			description     TEXT NOT NULL DEFAULT '',
			prompt          TEXT NOT NULL DEFAULT '',
			working_dir     TEXT NOT NULL DEFAULT '',
			return_mode     TEXT NOT NULL DEFAULT 'summary',
			metadata        TEXT NOT NULL DEFAULT '{}',
			created_at      DATETIME NOT NULL,
			started_at      DATETIME,
			completed_at    DATETIME,
			updated_at      DATETIME NOT NULL,
			instance_id     TEXT REFERENCES instances(id) ON DELETE SET NULL,
			timeout_ms      INTEGER NOT NULL DEFAULT 0,
			deadline        DATETIME,
			timeout_handled INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX idx_tasks_parent_id ON tasks(parent_id)`,
		`CREATE INDEX idx_tasks_status ON tasks(status)`,
		`CREATE INDEX idx_tasks_instance_id ON tasks(instance_id)`,
		`CREATE INDEX idx_tasks_created_at ON tasks(created_at)`,
		`CREATE INDEX idx_tasks_updated_at ON tasks(updated_at)`,

		`CREATE TABLE subtasks (
			task_id       TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			depends_on_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			PRIMARY KEY (task_id, depends_on_id)
		)`,
		`CREATE INDEX idx_subtasks_depends_on ON subtasks(depends_on_id)`,

		`CREATE TABLE instances (
			id                TEXT PRIMARY KEY,
			status            TEXT NOT NULL DEFAULT 'idle',
			task_id           TEXT REFERENCES tasks(id) ON DELETE SET NULL,
			total             INTEGER NOT NULL DEFAULT 0,
			successful        INTEGER NOT NULL DEFAULT 0,
			failed            INTEGER NOT NULL DEFAULT 0,
			timeout           INTEGER NOT NULL DEFAULT 0,
			cancelled         INTEGER NOT NULL DEFAULT 0,
			avg_task_ms       REAL NOT NULL DEFAULT 0,
			last_task_ms      INTEGER NOT NULL DEFAULT 0,
			cumulative_ms     INTEGER NOT NULL DEFAULT 0,
			timeout_ms        INTEGER NOT NULL DEFAULT 0,
			working_dir       TEXT NOT NULL DEFAULT '',
			max_tasks         INTEGER NOT NULL DEFAULT 0,
			max_memory_bytes  INTEGER NOT NULL DEFAULT 0,
			created_at        DATETIME NOT NULL,
			last_used_at      DATETIME,
			last_heartbeat_at DATETIME,
			updated_at        DATETIME NOT NULL
		)`,
		`CREATE INDEX idx_instances_status ON instances(status)`,
		`CREATE INDEX idx_instances_task_id ON instances(task_id)`,

		`CREATE TABLE task_logs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id     TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			instance_id TEXT REFERENCES instances(id) ON DELETE SET NULL,
			kind        TEXT NOT NULL,
			level       TEXT NOT NULL DEFAULT 'info',
			message     TEXT NOT NULL DEFAULT '',
			progress    INTEGER,
			status_text TEXT NOT NULL DEFAULT '',
			timestamp   DATETIME NOT NULL,
			metadata    TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX idx_task_logs_task_id_timestamp ON task_logs(task_id, timestamp)`,

		`CREATE TABLE task_results (
			task_id      TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
			status       TEXT NOT NULL,
			output       TEXT NOT NULL DEFAULT '',
			error_text   TEXT NOT NULL DEFAULT '',
			execution_ms INTEGER NOT NULL DEFAULT 0,
			timestamp    DATETIME NOT NULL,
			metadata     TEXT NOT NULL DEFAULT '{}'
		)`,

		`CREATE TABLE instance_telemetry (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL REFERENCES instances(id) ON DELETE CASCADE,
			type        TEXT NOT NULL,
			timestamp   DATETIME NOT NULL,
			value       REAL NOT NULL DEFAULT 0,
			metadata    TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE INDEX idx_instance_telemetry_instance_type ON instance_telemetry(instance_id, type, timestamp)`,

		`CREATE TABLE time_series_metrics (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			type       TEXT NOT NULL,
			timestamp  DATETIME NOT NULL,
			resolution TEXT NOT NULL,
			value      REAL NOT NULL DEFAULT 0,
			count      INTEGER NOT NULL DEFAULT 0,
			min        REAL NOT NULL DEFAULT 0,
			max        REAL NOT NULL DEFAULT 0,
			avg        REAL NOT NULL DEFAULT 0,
			sum        REAL NOT NULL DEFAULT 0,
			metadata   TEXT NOT NULL DEFAULT '{}',
			UNIQUE(type, resolution, timestamp)
		)`,
		`CREATE INDEX idx_time_series_metrics_type_resolution ON time_series_metrics(type, resolution, timestamp)`,

		`CREATE VIRTUAL TABLE tasks_fts USING fts5(
			name, description, prompt,
			content='tasks', content_rowid='rowid',
			tokenize='porter unicode61'
		)`,
		`CREATE TRIGGER tasks_fts_ai AFTER INSERT ON tasks BEGIN
			INSERT INTO tasks_fts(rowid, name, description, prompt)
			VALUES (new.rowid, new.name, new.description, new.prompt);
		END`,
		`CREATE TRIGGER tasks_fts_ad AFTER DELETE ON tasks BEGIN
			INSERT INTO tasks_fts(tasks_fts, rowid, name, description, prompt)
			VALUES ('delete', old.rowid, old.name, old.description, old.prompt);
		END`,
		`CREATE TRIGGER tasks_fts_au AFTER UPDATE ON tasks BEGIN
			INSERT INTO tasks_fts(tasks_fts, rowid, name, description, prompt)
			VALUES ('delete', old.rowid, old.name, old.description, old.prompt);
			INSERT INTO tasks_fts(rowid, name, description, prompt)
			VALUES (new.rowid, new.name, new.description, new.prompt);
		END`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %.40s...: %w", stmt, err)
		}
	}
	return nil
}

func migration1Down(tx *sql.Tx) error {
	stmts := []string{
		`DROP TRIGGER IF EXISTS tasks_fts_au`,
		`DROP TRIGGER IF EXISTS tasks_fts_ad`,
		`DROP TRIGGER IF EXISTS tasks_fts_ai`,
		`DROP TABLE IF EXISTS tasks_fts`,
		`DROP TABLE IF EXISTS time_series_metrics`,
		`DROP TABLE IF EXISTS instance_telemetry`,
		`DROP TABLE IF EXISTS task_results`,
		`DROP TABLE IF EXISTS task_logs`,
		`DROP TABLE IF EXISTS instances`,
		`DROP TABLE IF EXISTS subtasks`,
		`DROP TABLE IF EXISTS tasks`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
