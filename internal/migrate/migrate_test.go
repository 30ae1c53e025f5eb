package migrate

import (
	"testing"

	"storyline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var n int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("schema_migrations rows = %d, want 1", n)
	}
	// the schema is usable after both passes
	if _, err := conn.Exec(`SELECT COUNT(*) FROM work_items`); err != nil {
		t.Errorf("work_items not queryable: %v", err)
	}
}

func TestVersionOf(t *testing.T) {
	v, err := versionOf("sql/0001_init.sql")
	if err != nil || v != 1 {
		t.Errorf("versionOf = %d, %v", v, err)
	}
	if _, err := versionOf("sql/init.sql"); err == nil {
		t.Error("expected error for missing version prefix")
	}
}
