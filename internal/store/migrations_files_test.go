package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(MigrationFS, "migrations")
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			t.Fatalf("unexpected file in migrations: %s", entry.Name())
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}
	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestSubscriptionsMigrationDeclaresUniqueKeys(t *testing.T) {
	raw, err := fs.ReadFile(MigrationFS, "migrations/0002_billing.up.sql")
	if err != nil {
		t.Fatalf("read billing migration: %v", err)
	}
	sql := string(raw)
	for _, want := range []string{
		"organization_id UUID NOT NULL UNIQUE",
		"stripe_subscription_id TEXT UNIQUE",
		"status IN ('success', 'partial', 'error')",
		"severity IN ('info', 'warning', 'critical')",
	} {
		if !strings.Contains(sql, want) {
			t.Fatalf("billing migration missing %q", want)
		}
	}
}
