package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/giggle/lingo/pkg/types"
)

// Schema creates the translation_tasks table. The status, created_at
// and assigned_node_id indexes keep the reclaimer's stuck-task scan and
// the per-node capacity counts bounded.
const Schema = `
CREATE TABLE IF NOT EXISTS translation_tasks (
    id               VARCHAR(255) PRIMARY KEY,
    status           VARCHAR(32)  NOT NULL DEFAULT 'PENDING',
    audio_file_path  VARCHAR(500) NULL,
    text_content     TEXT         NULL,
    source_language  VARCHAR(10)  NOT NULL,
    target_languages VARCHAR(500) NOT NULL,
    original_text    TEXT         NULL,
    assigned_node_id VARCHAR(255) NULL,
    created_at       DATETIME(6)  NOT NULL,
    updated_at       DATETIME(6)  NOT NULL,
    result_file_path VARCHAR(500) NULL,
    error_message    TEXT         NULL,
    retry_count      INT          NOT NULL DEFAULT 0,
    accuracy         DOUBLE       NULL,
    INDEX idx_translation_tasks_status (status),
    INDEX idx_translation_tasks_created_at (created_at),
    INDEX idx_translation_tasks_assigned_node (assigned_node_id)
) CHARACTER SET utf8mb4`

// terminalStatuses is the guard list for transitions out of live states
var terminalStatuses = []string{
	string(types.TaskStatusCompleted),
	string(types.TaskStatusFailed),
	string(types.TaskStatusCancelled),
}

// MySQLStore implements Store over the shared MySQL database
type MySQLStore struct {
	db *sqlx.DB
}

// NewMySQLStore connects to MySQL and verifies the connection
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, "mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &MySQLStore{db: db}, nil
}

// Migrate applies the schema
func (s *MySQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// taskRow mirrors the translation_tasks table
type taskRow struct {
	ID              string          `db:"id"`
	Status          string          `db:"status"`
	AudioFilePath   sql.NullString  `db:"audio_file_path"`
	TextContent     sql.NullString  `db:"text_content"`
	SourceLanguage  string          `db:"source_language"`
	TargetLanguages string          `db:"target_languages"`
	OriginalText    sql.NullString  `db:"original_text"`
	AssignedNodeID  sql.NullString  `db:"assigned_node_id"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
	ResultFilePath  sql.NullString  `db:"result_file_path"`
	ErrorMessage    sql.NullString  `db:"error_message"`
	RetryCount      int             `db:"retry_count"`
	Accuracy        sql.NullFloat64 `db:"accuracy"`
}

func (r *taskRow) toTask() *types.Task {
	return &types.Task{
		ID:              r.ID,
		Status:          types.TaskStatus(r.Status),
		AudioFilePath:   r.AudioFilePath.String,
		TextContent:     r.TextContent.String,
		SourceLanguage:  r.SourceLanguage,
		TargetLanguages: splitLanguages(r.TargetLanguages),
		OriginalText:    r.OriginalText.String,
		AssignedNodeID:  r.AssignedNodeID.String,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		ResultFilePath:  r.ResultFilePath.String,
		ErrorMessage:    r.ErrorMessage.String,
		RetryCount:      r.RetryCount,
		Accuracy:        r.Accuracy.Float64,
	}
}

// splitLanguages splits the comma-joined target_languages column
func splitLanguages(joined string) []string {
	if joined == "" {
		return nil
	}
	parts := strings.Split(joined, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *MySQLStore) InsertTask(ctx context.Context, task *types.Task) (*types.Task, error) {
	persisted := *task
	if persisted.ID == "" {
		persisted.ID = uuid.New().String()
	}
	now := time.Now()
	persisted.Status = types.TaskStatusPending
	persisted.RetryCount = 0
	persisted.CreatedAt = now
	persisted.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO translation_tasks
		    (id, status, audio_file_path, text_content, source_language,
		     target_languages, original_text, created_at, updated_at, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		persisted.ID, string(persisted.Status),
		nullable(persisted.AudioFilePath), nullable(persisted.TextContent),
		persisted.SourceLanguage, strings.Join(persisted.TargetLanguages, ","),
		nullable(persisted.OriginalText), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}
	return &persisted, nil
}

func (s *MySQLStore) GetTask(ctx context.Context, id string) (*types.Task, error) {
	var row taskRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM translation_tasks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read task %s: %w", id, err)
	}
	return row.toTask(), nil
}

func (s *MySQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	query := `SELECT * FROM translation_tasks WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.SourceLanguage != "" {
		query += ` AND source_language = ?`
		args = append(args, filter.SourceLanguage)
	}
	if filter.TargetLanguage != "" {
		query += ` AND target_languages LIKE ?`
		args = append(args, "%"+filter.TargetLanguage+"%")
	}
	if filter.TextContains != "" {
		query += ` AND text_content LIKE ?`
		args = append(args, "%"+filter.TextContains+"%")
	}
	query += ` ORDER BY created_at DESC`

	var rows []taskRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	tasks := make([]*types.Task, len(rows))
	for i := range rows {
		tasks[i] = rows[i].toTask()
	}
	return tasks, nil
}

func (s *MySQLStore) ListStuckTasks(ctx context.Context, olderThan time.Time) ([]*types.Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM translation_tasks
		WHERE status = ? AND updated_at < ?
		ORDER BY updated_at ASC`,
		string(types.TaskStatusProcessing), olderThan)
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck tasks: %w", err)
	}
	tasks := make([]*types.Task, len(rows))
	for i := range rows {
		tasks[i] = rows[i].toTask()
	}
	return tasks, nil
}

func (s *MySQLStore) CountProcessingTasks(ctx context.Context, nodeID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM translation_tasks
		WHERE assigned_node_id = ? AND status = ?`,
		nodeID, string(types.TaskStatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("failed to count processing tasks for node %s: %w", nodeID, err)
	}
	return count, nil
}

// guardedUpdate runs an update and reports whether a row moved
func (s *MySQLStore) guardedUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *MySQLStore) MarkDispatching(ctx context.Context, id string) (bool, error) {
	moved, err := s.guardedUpdate(ctx, `
		UPDATE translation_tasks
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(types.TaskStatusDispatching), time.Now(),
		id, string(types.TaskStatusPending))
	if err != nil {
		return false, fmt.Errorf("failed to mark task %s dispatching: %w", id, err)
	}
	return moved, nil
}

func (s *MySQLStore) MarkProcessing(ctx context.Context, id, nodeID string) (bool, error) {
	moved, err := s.guardedUpdate(ctx, `
		UPDATE translation_tasks
		SET status = ?, assigned_node_id = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(types.TaskStatusProcessing), nodeID, time.Now(),
		id, string(types.TaskStatusPending), string(types.TaskStatusDispatching))
	if err != nil {
		return false, fmt.Errorf("failed to mark task %s processing: %w", id, err)
	}
	return moved, nil
}

func (s *MySQLStore) ReleaseDispatching(ctx context.Context, id string) (bool, error) {
	moved, err := s.guardedUpdate(ctx, `
		UPDATE translation_tasks
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(types.TaskStatusPending), time.Now(),
		id, string(types.TaskStatusDispatching))
	if err != nil {
		return false, fmt.Errorf("failed to release task %s back to pending: %w", id, err)
	}
	return moved, nil
}

func (s *MySQLStore) MarkFailed(ctx context.Context, id, errorMessage string) (bool, error) {
	moved, err := s.guardedUpdate(ctx, `
		UPDATE translation_tasks
		SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(types.TaskStatusFailed), errorMessage, time.Now(),
		id, terminalStatuses[0], terminalStatuses[1], terminalStatuses[2])
	if err != nil {
		return false, fmt.Errorf("failed to mark task %s failed: %w", id, err)
	}
	return moved, nil
}

func (s *MySQLStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	moved, err := s.guardedUpdate(ctx, `
		UPDATE translation_tasks
		SET status = ?, assigned_node_id = NULL, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(types.TaskStatusCancelled), time.Now(),
		id, terminalStatuses[0], terminalStatuses[1], terminalStatuses[2])
	if err != nil {
		return false, fmt.Errorf("failed to mark task %s cancelled: %w", id, err)
	}
	return moved, nil
}

func (s *MySQLStore) CompleteTask(ctx context.Context, id, resultPath, transcribedText string, accuracy float64) (bool, error) {
	moved, err := s.guardedUpdate(ctx, `
		UPDATE translation_tasks
		SET status = ?, result_file_path = ?, accuracy = ?,
		    text_content = COALESCE(NULLIF(?, ''), text_content),
		    updated_at = ?
		WHERE id = ? AND status = ?`,
		string(types.TaskStatusCompleted), nullable(resultPath), accuracy,
		transcribedText, time.Now(),
		id, string(types.TaskStatusProcessing))
	if err != nil {
		return false, fmt.Errorf("failed to complete task %s: %w", id, err)
	}
	return moved, nil
}

func (s *MySQLStore) ReclaimTask(ctx context.Context, id string, retryCount int, olderThan time.Time) (bool, error) {
	moved, err := s.guardedUpdate(ctx, `
		UPDATE translation_tasks
		SET status = ?, assigned_node_id = NULL, retry_count = ?, updated_at = ?
		WHERE id = ? AND status = ? AND updated_at < ?`,
		string(types.TaskStatusPending), retryCount, time.Now(),
		id, string(types.TaskStatusProcessing), olderThan)
	if err != nil {
		return false, fmt.Errorf("failed to reclaim task %s: %w", id, err)
	}
	return moved, nil
}

func (s *MySQLStore) FailStuckTask(ctx context.Context, id, errorMessage string, olderThan time.Time) (bool, error) {
	moved, err := s.guardedUpdate(ctx, `
		UPDATE translation_tasks
		SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status = ? AND updated_at < ?`,
		string(types.TaskStatusFailed), errorMessage, time.Now(),
		id, string(types.TaskStatusProcessing), olderThan)
	if err != nil {
		return false, fmt.Errorf("failed to fail stuck task %s: %w", id, err)
	}
	return moved, nil
}
