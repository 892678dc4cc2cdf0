package roastlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	// timeLayout is fixed width so stored timestamps sort as text.
	timeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// SQLiteRepository implements Repository using the roasts, roast_samples
// and roast_events tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// CreateRoast inserts a new roast.
func (r *SQLiteRepository) CreateRoast(ctx context.Context, roast *Roast) error {
	if roast == nil || roast.ID == "" {
		return fmt.Errorf("roast id is required")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO roasts (id, roaster_id, started_at, elapsed_ms, notes)
		 VALUES (?, ?, ?, ?, ?)`,
		roast.ID,
		roast.RoasterID,
		formatTime(roast.StartedAt),
		roast.ElapsedMS,
		roast.Notes,
	)
	if err != nil {
		return fmt.Errorf("inserting roast: %w", err)
	}
	return nil
}

// FinishRoast records the end of a roast.
func (r *SQLiteRepository) FinishRoast(ctx context.Context, id string, endedAt time.Time, elapsedMS int64) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE roasts SET ended_at = ?, elapsed_ms = ? WHERE id = ?",
		formatTime(endedAt),
		elapsedMS,
		id,
	)
	if err != nil {
		return fmt.Errorf("finishing roast: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrRoastNotFound
	}
	return nil
}

// AppendSample inserts a sample and sets its ID.
func (r *SQLiteRepository) AppendSample(ctx context.Context, s *Sample) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO roast_samples (
			roast_id, elapsed_ms, recorded_at,
			drum_temp, chamber_temp, exhaust_temp,
			flame, drum_relay, cooling_relay, exhaust_relay, gas_relay, ignitor,
			valve, first_crack, second_crack
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.RoastID, s.ElapsedMS, formatTime(s.RecordedAt),
		s.DrumTemp, s.ChamberTemp, s.ExhaustTemp,
		s.Flame, s.DrumRelay, s.CoolingRelay, s.ExhaustRelay, s.GasRelay, s.Ignitor,
		s.Valve, s.FirstCrack, s.SecondCrack,
	)
	if err != nil {
		return fmt.Errorf("inserting sample: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		s.ID = id
	}
	return nil
}

// RecordEvent inserts an event and sets its ID.
func (r *SQLiteRepository) RecordEvent(ctx context.Context, e *Event) error {
	result, err := r.db.ExecContext(ctx,
		"INSERT INTO roast_events (roast_id, kind, elapsed_ms, occurred_at) VALUES (?, ?, ?, ?)",
		e.RoastID,
		string(e.Kind),
		e.ElapsedMS,
		formatTime(e.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// ListRoasts returns up to limit roasts, newest first (default 50, max 500).
func (r *SQLiteRepository) ListRoasts(ctx context.Context, limit int) ([]Roast, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, roaster_id, started_at, ended_at, elapsed_ms, notes
		 FROM roasts
		 ORDER BY started_at DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying roasts: %w", err)
	}
	defer rows.Close()

	roasts := make([]Roast, 0)
	for rows.Next() {
		roast, err := scanRoast(rows)
		if err != nil {
			return nil, err
		}
		roasts = append(roasts, *roast)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating roasts: %w", err)
	}
	return roasts, nil
}

// GetRoast returns one roast by ID.
func (r *SQLiteRepository) GetRoast(ctx context.Context, id string) (*Roast, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, roaster_id, started_at, ended_at, elapsed_ms, notes
		 FROM roasts WHERE id = ?`,
		id,
	)
	roast, err := scanRoast(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRoastNotFound
	}
	return roast, err
}

// GetSamples returns all samples for a roast ordered by elapsed time.
func (r *SQLiteRepository) GetSamples(ctx context.Context, roastID string) ([]Sample, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, roast_id, elapsed_ms, recorded_at,
		        drum_temp, chamber_temp, exhaust_temp,
		        flame, drum_relay, cooling_relay, exhaust_relay, gas_relay, ignitor,
		        valve, first_crack, second_crack
		 FROM roast_samples
		 WHERE roast_id = ?
		 ORDER BY elapsed_ms, id`,
		roastID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying samples: %w", err)
	}
	defer rows.Close()

	samples := make([]Sample, 0)
	for rows.Next() {
		var s Sample
		var recordedAt string
		if err := rows.Scan(
			&s.ID, &s.RoastID, &s.ElapsedMS, &recordedAt,
			&s.DrumTemp, &s.ChamberTemp, &s.ExhaustTemp,
			&s.Flame, &s.DrumRelay, &s.CoolingRelay, &s.ExhaustRelay, &s.GasRelay, &s.Ignitor,
			&s.Valve, &s.FirstCrack, &s.SecondCrack,
		); err != nil {
			return nil, fmt.Errorf("scanning sample: %w", err)
		}
		if s.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating samples: %w", err)
	}
	return samples, nil
}

// GetEvents returns all events for a roast in insertion order.
func (r *SQLiteRepository) GetEvents(ctx context.Context, roastID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, roast_id, kind, elapsed_ms, occurred_at
		 FROM roast_events
		 WHERE roast_id = ?
		 ORDER BY id`,
		roastID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var e Event
		var kind, occurredAt string
		if err := rows.Scan(&e.ID, &e.RoastID, &kind, &e.ElapsedMS, &occurredAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		e.Kind = EventKind(kind)
		if e.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating events: %w", err)
	}
	return events, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoast(row rowScanner) (*Roast, error) {
	var roast Roast
	var startedAt string
	var endedAt sql.NullString
	if err := row.Scan(&roast.ID, &roast.RoasterID, &startedAt, &endedAt, &roast.ElapsedMS, &roast.Notes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning roast: %w", err)
	}

	var err error
	if roast.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		roast.EndedAt = &t
	}
	return &roast, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", value, err)
	}
	return t, nil
}
