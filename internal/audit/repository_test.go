package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/roaster-core/internal/infrastructure/config"
	"github.com/nerrad567/roaster-core/internal/infrastructure/database"
	_ "github.com/nerrad567/roaster-core/migrations"
)

func setupTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := database.Open(config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "audit.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return NewSQLiteRepository(db.DB)
}

func TestCreate_GeneratesIDAndTimestamp(t *testing.T) {
	repo := setupTestRepo(t)

	entry := &Entry{Source: SourceAPI, Command: 1, Value: 8, Field: "gas_relay", Status: StatusSent}
	if err := repo.Create(context.Background(), entry); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if len(entry.ID) != len("cmd-")+8 || entry.ID[:4] != "cmd-" {
		t.Errorf("ID = %q, want cmd- followed by 8 characters", entry.ID)
	}
	if entry.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
}

func TestCreate_RequiresSourceAndStatus(t *testing.T) {
	repo := setupTestRepo(t)

	tests := []struct {
		name  string
		entry Entry
	}{
		{"missing source", Entry{Status: StatusSent}},
		{"missing status", Entry{Source: SourceAPI}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := repo.Create(context.Background(), &tt.entry)
			if !errors.Is(err, ErrInvalidEntry) {
				t.Errorf("Create() error = %v, want ErrInvalidEntry", err)
			}
		})
	}
}

func TestList_RoundTripAndOrder(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	entries := []*Entry{
		{Source: SourceAPI, Command: 1, Value: 8, Field: "gas_relay", Status: StatusSent, RequestID: "req-1", CreatedAt: base},
		{Source: SourceMQTT, Command: 1, Value: 250, Status: StatusFailed, Error: "not connected", CreatedAt: base.Add(time.Second)},
		{Source: SourceAPI, Command: 0, Value: 0, Status: StatusSent, CreatedAt: base.Add(1500 * time.Millisecond)},
	}
	for _, e := range entries {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	result, err := repo.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Total != 3 || len(result.Entries) != 3 {
		t.Fatalf("List() total = %d, len = %d, want 3, 3", result.Total, len(result.Entries))
	}
	if result.Limit != defaultListLimit {
		t.Errorf("Limit = %d, want %d", result.Limit, defaultListLimit)
	}

	// Most recent first, including sub-second ordering.
	if result.Entries[0].ID != entries[2].ID || result.Entries[2].ID != entries[0].ID {
		t.Errorf("order = %s, %s, %s; want newest first",
			result.Entries[0].ID, result.Entries[1].ID, result.Entries[2].ID)
	}

	oldest := result.Entries[2]
	if oldest.Field != "gas_relay" || oldest.RequestID != "req-1" || oldest.Value != 8 {
		t.Errorf("oldest = %+v, want gas_relay 1,8 req-1", oldest)
	}
	if !oldest.CreatedAt.Equal(base) {
		t.Errorf("CreatedAt = %v, want %v", oldest.CreatedAt, base)
	}
	if result.Entries[1].Error != "not connected" {
		t.Errorf("Error = %q, want %q", result.Entries[1].Error, "not connected")
	}
}

func TestList_Filters(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for _, e := range []*Entry{
		{Source: SourceAPI, Command: 1, Value: 8, Status: StatusSent},
		{Source: SourceAPI, Command: 1, Value: 9, Status: StatusFailed},
		{Source: SourceMQTT, Command: 1, Value: 8, Status: StatusSent},
		{Source: SourceMQTT, Command: 1, Value: 4, Status: StatusFailed},
	} {
		if err := repo.Create(ctx, e); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	tests := []struct {
		name   string
		filter Filter
		total  int
		count  int
	}{
		{"no filter", Filter{}, 4, 4},
		{"by source", Filter{Source: SourceAPI}, 2, 2},
		{"by status", Filter{Status: StatusSent}, 2, 2},
		{"source and status", Filter{Source: SourceAPI, Status: StatusFailed}, 1, 1},
		{"no match", Filter{Source: "panel"}, 0, 0},
		{"paged", Filter{Limit: 2, Offset: 3}, 4, 1},
		{"negative offset", Filter{Offset: -5}, 4, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := repo.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if result.Total != tt.total {
				t.Errorf("Total = %d, want %d", result.Total, tt.total)
			}
			if len(result.Entries) != tt.count {
				t.Errorf("len(Entries) = %d, want %d", len(result.Entries), tt.count)
			}
			if result.Entries == nil {
				t.Error("Entries should be an empty slice, not nil")
			}
		})
	}
}

func TestList_LimitCapped(t *testing.T) {
	repo := setupTestRepo(t)

	result, err := repo.List(context.Background(), Filter{Limit: 10000})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if result.Limit != maxListLimit {
		t.Errorf("Limit = %d, want %d", result.Limit, maxListLimit)
	}
}
