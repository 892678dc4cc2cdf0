// Package audit keeps a history of commands submitted to the roaster in the
// command_log table.
//
// Entries record what was asked for and whether it reached the serial link.
// A "sent" entry means the line was written, not that the controller acted
// on it; confirmed state arrives separately through the poll response.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command sources.
const (
	SourceAPI  = "api"
	SourceMQTT = "mqtt"
)

// Command outcomes.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	// timeLayout is fixed width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// ErrInvalidEntry is returned by Create when source or status is missing.
var ErrInvalidEntry = errors.New("audit: source and status are required")

// Entry is one submitted command.
type Entry struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Command   int       `json:"command"`
	Value     int       `json:"value"`
	Field     string    `json:"field,omitempty"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter controls which entries List returns.
type Filter struct {
	// Source and Status are optional exact matches.
	Source string
	Status string

	// Limit defaults to 50 and is capped at 200.
	Limit  int
	Offset int
}

// ListResult is one page of entries plus the total matching the filter.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines the command log operations.
type Repository interface {
	Create(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores the command log in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new command log repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts an entry. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Create(ctx context.Context, entry *Entry) error {
	if entry.Source == "" || entry.Status == "" {
		return ErrInvalidEntry
	}
	if entry.ID == "" {
		entry.ID = "cmd-" + uuid.NewString()[:8]
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_log (id, source, command, value, field, status, error, request_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Source, entry.Command, entry.Value,
		nullableString(entry.Field), entry.Status,
		nullableString(entry.Error), nullableString(entry.RequestID),
		entry.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting command log entry: %w", err)
	}
	return nil
}

// nullableString maps "" to NULL for optional TEXT columns.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns entries matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	var conditions []string
	var args []any
	if filter.Source != "" {
		conditions = append(conditions, "source = ?")
		args = append(args, filter.Source)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	countQuery := "SELECT COUNT(*) FROM command_log " + where
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting command log: %w", err)
	}

	query := "SELECT id, source, command, value, field, status, error, request_id, created_at FROM command_log " +
		where + " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying command log: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var field, errText, requestID sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.Source, &e.Command, &e.Value,
			&field, &e.Status, &errText, &requestID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning command log entry: %w", err)
		}
		e.Field = field.String
		e.Error = errText.String
		e.RequestID = requestID.String

		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing command log timestamp %q: %w", createdAt, err)
		}
		e.CreatedAt = t

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating command log: %w", err)
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}
