package migrations

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func TestLoad(t *testing.T) {
	for _, d := range []Dialect{Postgres, SQLite} {
		t.Run(string(d), func(t *testing.T) {
			ms, err := Load(d)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if len(ms) == 0 {
				t.Fatal("Load() returned no migrations")
			}
			for i, m := range ms {
				if m.Version != i+1 {
					t.Errorf("migration %d version = %d, want %d", i, m.Version, i+1)
				}
				if strings.TrimSpace(m.SQL) == "" {
					t.Errorf("migration %s is empty", m.Name)
				}
			}
		})
	}
}

func TestLoad_UnknownDialect(t *testing.T) {
	if _, err := Load("mysql"); err == nil {
		t.Error("Load(mysql) expected error")
	}
}

func TestDialectsDeclareSameSchema(t *testing.T) {
	pg, err := Load(Postgres)
	if err != nil {
		t.Fatal(err)
	}
	lite, err := Load(SQLite)
	if err != nil {
		t.Fatal(err)
	}
	if len(pg) != len(lite) {
		t.Fatalf("postgres has %d migrations, sqlite has %d", len(pg), len(lite))
	}

	// Both dialects must carry the uniqueness guarantees the ledger relies on.
	for _, ms := range [][]Migration{pg, lite} {
		var all strings.Builder
		for _, m := range ms {
			all.WriteString(m.SQL)
		}
		schema := all.String()
		for _, want := range []string{
			"UNIQUE (stream_type, stream_key)",
			"UNIQUE (stream_id, seq)",
			"WHERE dedupe_key IS NOT NULL",
		} {
			if !strings.Contains(schema, want) {
				t.Errorf("schema missing %q", want)
			}
		}
	}
}

func TestApply_SQLite(t *testing.T) {
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	n, err := Apply(ctx, db, SQLite)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Apply() applied %d, want 2", n)
	}

	n, err = Apply(ctx, db, SQLite)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second Apply() applied %d, want 0", n)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`).Scan(&count); err != nil {
		t.Fatalf("audit_events not created: %v", err)
	}
}
