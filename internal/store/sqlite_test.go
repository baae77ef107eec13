package store

import (
	"context"
	"path/filepath"
	"testing"

	"alphafarm/internal/config"
)

func TestNewSQLite_FileDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "alphafarm.db")
	s, err := NewSQLite(config.DatabaseConfig{Path: path, MaxOpenConns: 2, MaxIdleConns: 2})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Migrate(ctx, `CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)`); err != nil {
		t.Fatalf("Migrate returned error: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', 'b')`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	var v string
	if err := s.DB().QueryRowContext(ctx, `SELECT v FROM kv WHERE k = 'a'`).Scan(&v); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if v != "b" {
		t.Errorf("expected b, got %s", v)
	}
}

func TestNewSQLite_InMemoryIsolated(t *testing.T) {
	ctx := context.Background()

	first, err := NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	defer first.Close()
	second, err := NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	defer second.Close()

	if err := first.Migrate(ctx, `CREATE TABLE only_first (id INTEGER)`); err != nil {
		t.Fatalf("Migrate returned error: %v", err)
	}
	if _, err := second.DB().ExecContext(ctx, `SELECT id FROM only_first`); err == nil {
		t.Fatal("expected in-memory databases to be isolated")
	}
}
