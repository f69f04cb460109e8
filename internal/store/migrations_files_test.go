package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testMigrationsDir = "../../db/migrations"

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	ups, err := listMigrations(testMigrationsDir, "up")
	if err != nil {
		t.Fatalf("list up migrations: %v", err)
	}
	downs, err := listMigrations(testMigrationsDir, "down")
	if err != nil {
		t.Fatalf("list down migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no migrations discovered")
	}

	byVersion := map[string]int{}
	for _, m := range ups {
		byVersion[m.version]++
	}
	for _, m := range downs {
		byVersion[m.version] += 10
	}
	for version, mask := range byVersion {
		if mask != 11 {
			t.Fatalf("version %s must include exactly one up and one down file", version)
		}
	}
}

func TestHistoryMigrationUsesBlockingTriggers(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join(testMigrationsDir, "0001_board.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	for _, snippet := range []string{
		"task_history_block_mutation",
		"RAISE EXCEPTION",
		"CREATE TRIGGER trg_task_history_block_update",
		"CREATE TRIGGER trg_task_history_block_delete",
		"CONSTRAINT task_history_task_seq UNIQUE (task_id, seq)",
	} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "DO INSTEAD NOTHING") {
		t.Fatalf("expected hard-fail immutability guard, found silent DO INSTEAD NOTHING rule")
	}
}
