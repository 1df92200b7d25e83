// Package sqlitemigrate applies the embedded schema migrations of the
// roomserver's SQLite stores.
//
// Migration files are plain SQL carrying goose-style markers: the statements
// between "-- +migrate Up" and "-- +migrate Down" run on upgrade, the rest
// is ignored. Each applied file is recorded in a schema_history table, so
// replaying the same embedded set on every boot is a no-op.
package sqlitemigrate

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"
)

// historyTable records which migration files already ran against this
// database.
const historyTable = "schema_history"

const (
	upMarker   = "-- +migrate Up"
	downMarker = "-- +migrate Down"
)

// ApplyMigrations runs every pending .sql file under root of migrationFS in
// lexical order, each inside its own transaction. An empty root reads the
// filesystem's top level.
func ApplyMigrations(db *sql.DB, migrationFS fs.FS, root string) error {
	if db == nil {
		return fmt.Errorf("sql db is required")
	}
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}

	files, err := migrationFiles(migrationFS, root)
	if err != nil {
		return err
	}

	if _, err := db.Exec(fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`, historyTable)); err != nil {
		return fmt.Errorf("ensure %s table: %w", historyTable, err)
	}

	for _, name := range files {
		applied, err := alreadyApplied(db, name)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if applied {
			continue
		}
		if err := applyOne(db, migrationFS, name); err != nil {
			return err
		}
	}
	return nil
}

// migrationFiles lists the .sql entries under root in lexical order, so
// numeric prefixes run oldest first. The returned names keep the root prefix
// and double as history keys.
func migrationFiles(migrationFS fs.FS, root string) ([]string, error) {
	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if root != "." {
			name = path.Join(root, name)
		}
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// applyOne runs one migration file and records it, both inside a single
// transaction so a failed upgrade leaves no history row behind.
func applyOne(db *sql.DB, migrationFS fs.FS, name string) error {
	content, err := fs.ReadFile(migrationFS, name)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", name, err)
	}
	stmts := UpSQL(string(content))
	if strings.TrimSpace(stmts) == "" {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", name, err)
	}
	if _, err := tx.Exec(stmts); err != nil && !isAlreadyExists(err) {
		_ = tx.Rollback()
		return fmt.Errorf("exec migration %s: %w", name, err)
	}
	if _, err := tx.Exec(
		fmt.Sprintf("INSERT OR IGNORE INTO %s (name, applied_at) VALUES (?, ?)", historyTable),
		name, time.Now().UTC().UnixMilli(),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

// UpSQL extracts the upgrade section of a migration file: the lines between
// the up marker and the down marker. A file without markers runs whole.
func UpSQL(content string) string {
	if !strings.Contains(content, upMarker) {
		return content
	}

	var b strings.Builder
	inUp := false
	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		marker := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(marker, downMarker):
			inUp = false
		case strings.HasPrefix(marker, upMarker):
			inUp = true
		case inUp:
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// isAlreadyExists matches the errors sqlite reports when idempotent DDL
// reruns against an existing schema.
func isAlreadyExists(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column name")
}

func alreadyApplied(db *sql.DB, name string) (bool, error) {
	var one int
	err := db.QueryRow("SELECT 1 FROM "+historyTable+" WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
