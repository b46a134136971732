package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/songzhibin97/approval-engine/types"
	"go.uber.org/zap"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	id          INTEGER PRIMARY KEY,
	name        TEXT    NOT NULL,
	entity_type TEXT    NOT NULL,
	is_active   INTEGER NOT NULL,
	body        TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS workflow_instances (
	id          INTEGER PRIMARY KEY,
	entity_type TEXT    NOT NULL,
	entity_id   INTEGER NOT NULL,
	status      TEXT    NOT NULL,
	version     INTEGER NOT NULL,
	body        TEXT    NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_instances_active
	ON workflow_instances (entity_type, entity_id)
	WHERE status IN ('pending', 'in_progress');
`

// SQLiteOptions configures the SQLite connection.
type SQLiteOptions struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// SQLiteStorage persists definitions and instances as JSON documents in SQLite.
// The partial unique index enforces one active instance per entity.
type SQLiteStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteStorage opens the database and applies the schema.
func NewSQLiteStorage(opts SQLiteOptions, logger *zap.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", opts.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	logger.Info("SQLite storage ready", zap.String("path", opts.Path))
	return &SQLiteStorage{db: db, logger: logger}, nil
}

// withTransaction runs fn in a transaction and rolls back on error or panic.
func (s *SQLiteStorage) withTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Error("Failed to begin transaction", zap.Error(err))
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			s.logger.Error("Transaction panicked, rolled back", zap.Any("panic", p))
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to rollback transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		s.logger.Error("Failed to commit transaction", zap.Error(err))
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveDefinition upserts one definition.
func (s *SQLiteStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return s.SaveDefinitions(ctx, []types.WorkflowDefinition{def})
}

// SaveDefinitions upserts definitions in a single transaction.
func (s *SQLiteStorage) SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error {
	return s.withTransaction(ctx, func(tx *sql.Tx) error {
		for _, def := range defs {
			body, err := json.Marshal(def)
			if err != nil {
				return fmt.Errorf("failed to marshal definition %d: %w", def.ID, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO workflow_definitions (id, name, entity_type, is_active, body)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					name = excluded.name,
					entity_type = excluded.entity_type,
					is_active = excluded.is_active,
					body = excluded.body`,
				int64(def.ID), def.Name, def.EntityType, def.IsActive, string(body))
			if err != nil {
				return fmt.Errorf("failed to save definition %d: %w", def.ID, err)
			}
		}
		return nil
	})
}

// GetDefinition loads a definition by ID.
func (s *SQLiteStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM workflow_definitions WHERE id = ?`, int64(id))
	return scanBody[types.WorkflowDefinition](row, ErrDefinitionNotFound, fmt.Sprintf("id=%d", id))
}

// FindActiveDefinition returns the lowest-ID active definition for entityType and optional name.
func (s *SQLiteStorage) FindActiveDefinition(ctx context.Context, entityType, name string) (types.WorkflowDefinition, error) {
	query := `SELECT body FROM workflow_definitions WHERE entity_type = ? AND is_active = 1`
	args := []interface{}{entityType}
	if name != "" {
		query += ` AND name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY id LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, args...)
	return scanBody[types.WorkflowDefinition](row, ErrDefinitionNotFound, fmt.Sprintf("entity_type=%s name=%q", entityType, name))
}

// CreateInstance inserts a new instance.
func (s *SQLiteStorage) CreateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	body, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_instances (id, entity_type, entity_id, status, version, body)
		VALUES (?, ?, ?, ?, ?, ?)`,
		int64(inst.ID), inst.EntityType, int64(inst.EntityID), inst.Status, inst.Version, string(body))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%d", ErrActiveInstanceExists, inst.EntityType, inst.EntityID)
	}
	if err != nil {
		return fmt.Errorf("failed to create instance %d: %w", inst.ID, err)
	}
	return nil
}

// UpdateInstance writes inst when the stored version still equals inst.Version.
func (s *SQLiteStorage) UpdateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	stored := inst.Clone()
	stored.Version++
	body, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
	}

	return s.withTransaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE workflow_instances SET status = ?, version = ?, body = ?
			WHERE id = ? AND version = ?`,
			stored.Status, stored.Version, string(body), int64(inst.ID), inst.Version)
		if err != nil {
			return fmt.Errorf("failed to update instance %d: %w", inst.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n > 0 {
			return nil
		}

		var version int64
		err = tx.QueryRowContext(ctx, `SELECT version FROM workflow_instances WHERE id = ?`, int64(inst.ID)).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
		} else if err != nil {
			return fmt.Errorf("failed to read instance version: %w", err)
		}
		return fmt.Errorf("%w: id=%d expected version %d, got %d", ErrConcurrentModification, inst.ID, inst.Version, version)
	})
}

// GetInstance loads an instance by ID.
func (s *SQLiteStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM workflow_instances WHERE id = ?`, int64(id))
	return scanBody[types.WorkflowInstance](row, ErrInstanceNotFound, fmt.Sprintf("id=%d", id))
}

// FindActiveInstance returns the pending or in-progress instance for an entity.
func (s *SQLiteStorage) FindActiveInstance(ctx context.Context, entityType string, entityID uint64) (types.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT body FROM workflow_instances
		WHERE entity_type = ? AND entity_id = ? AND status IN ('pending', 'in_progress')`,
		entityType, int64(entityID))
	return scanBody[types.WorkflowInstance](row, ErrInstanceNotFound, fmt.Sprintf("%s/%d", entityType, entityID))
}

// ListActiveInstances returns every active instance ordered by ID.
func (s *SQLiteStorage) ListActiveInstances(ctx context.Context) ([]types.WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM workflow_instances
		WHERE status IN ('pending', 'in_progress')
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active instances: %w", err)
	}
	defer rows.Close()

	var out []types.WorkflowInstance
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		var inst types.WorkflowInstance
		if err := json.Unmarshal([]byte(body), &inst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func scanBody[T any](row *sql.Row, errNotFound error, what string) (T, error) {
	var zero T
	var body string
	if err := row.Scan(&body); errors.Is(err, sql.ErrNoRows) {
		return zero, fmt.Errorf("%w: %s", errNotFound, what)
	} else if err != nil {
		return zero, fmt.Errorf("failed to query %s: %w", what, err)
	}
	var out T
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return zero, fmt.Errorf("failed to unmarshal %s: %w", what, err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
