package jmix

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// Index is the package store's embedded database: a point-lookup table
// keyed by package id and a study table keyed by "<study_uid>:<id>" for
// prefix scans.
type Index struct {
	db   *sql.DB
	path string
}

// One Index per database file, process-wide. Sharing the handle keeps
// sqlite's file locking out of the request path.
var (
	indexMu sync.Mutex
	indexes = make(map[string]*Index)
)

// OpenIndex returns the shared index for a database path, creating the
// schema on first open.
func OpenIndex(path string) (*Index, error) {
	var canonical, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving index path %s: %w", path, err)
	}

	indexMu.Lock()
	defer indexMu.Unlock()
	if idx, ok := indexes[canonical]; ok {
		return idx, nil
	}

	if err = os.MkdirAll(filepath.Dir(canonical), 0o755); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}
	db, err := sql.Open("sqlite3", canonical)
	if err != nil {
		return nil, fmt.Errorf("opening index %s: %w", canonical, err)
	}
	if _, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS packages_by_id (
			id   TEXT PRIMARY KEY,
			info TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS packages_by_study_uid (
			key  TEXT PRIMARY KEY,
			info TEXT NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing index schema: %w", err)
	}

	var idx = &Index{db: db, path: canonical}
	indexes[canonical] = idx
	log.WithField("path", canonical).Debug("opened JMIX index")
	return idx, nil
}

// Insert records a package under both tables.
func (x *Index) Insert(info PackageInfo) error {
	var doc, err = json.Marshal(info)
	if err != nil {
		return fmt.Errorf("serializing package info: %w", err)
	}

	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning index write: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.Exec(
		`INSERT OR REPLACE INTO packages_by_id (id, info) VALUES (?, ?)`,
		info.ID, string(doc)); err != nil {
		return fmt.Errorf("indexing package %s: %w", info.ID, err)
	}
	if _, err = tx.Exec(
		`INSERT OR REPLACE INTO packages_by_study_uid (key, info) VALUES (?, ?)`,
		info.StudyUID+":"+info.ID, string(doc)); err != nil {
		return fmt.Errorf("indexing package %s by study: %w", info.ID, err)
	}
	return tx.Commit()
}

// GetByID returns the package with the given id, or nil.
func (x *Index) GetByID(id string) (*PackageInfo, error) {
	var doc string
	var err = x.db.QueryRow(
		`SELECT info FROM packages_by_id WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("looking up package %s: %w", id, err)
	}

	var info PackageInfo
	if err = json.Unmarshal([]byte(doc), &info); err != nil {
		return nil, fmt.Errorf("decoding package info for %s: %w", id, err)
	}
	return &info, nil
}

// QueryByStudyUID returns every package covering the study, in key
// order.
func (x *Index) QueryByStudyUID(studyUID string) ([]PackageInfo, error) {
	rows, err := x.db.Query(
		`SELECT info FROM packages_by_study_uid WHERE key LIKE ? ORDER BY key`,
		studyUID+":%")
	if err != nil {
		return nil, fmt.Errorf("querying study %s: %w", studyUID, err)
	}
	defer rows.Close()

	var out []PackageInfo
	for rows.Next() {
		var doc string
		if err = rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scanning study row: %w", err)
		}
		var info PackageInfo
		if err = json.Unmarshal([]byte(doc), &info); err != nil {
			return nil, fmt.Errorf("decoding package info: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Remove deletes a package from both tables.
func (x *Index) Remove(id string) error {
	var info, err = x.GetByID(id)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}

	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning index delete: %w", err)
	}
	defer tx.Rollback()

	if _, err = tx.Exec(`DELETE FROM packages_by_id WHERE id = ?`, id); err != nil {
		return fmt.Errorf("removing package %s: %w", id, err)
	}
	if _, err = tx.Exec(`DELETE FROM packages_by_study_uid WHERE key = ?`,
		info.StudyUID+":"+id); err != nil {
		return fmt.Errorf("removing package %s by study: %w", id, err)
	}
	return tx.Commit()
}

// Close closes the shared handle and drops it from the manager. Intended
// for tests; the process otherwise holds indexes open for its lifetime.
func (x *Index) Close() error {
	indexMu.Lock()
	delete(indexes, x.path)
	indexMu.Unlock()
	return x.db.Close()
}
