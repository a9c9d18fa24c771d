// Package storage persists the entity graph in SQLite and owns the
// content-addressed object store sitting next to it.
//
// Rows handed out by the store are frozen snapshots: mutate a copy and route
// it back through SaveRow/UpdateRow.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/fireflow/fireflow/internal/domain"
	"github.com/fireflow/fireflow/internal/objectstore"
)

// Filenames inside a project directory.
const (
	DBFilename = "storage.sqlite"
	ObjectsDir = "objects"
)

const schema = `
CREATE TABLE IF NOT EXISTS client (
	pk INTEGER PRIMARY KEY AUTOINCREMENT,
	label TEXT NOT NULL UNIQUE,
	client_url TEXT NOT NULL,
	client_id TEXT NOT NULL,
	client_secret TEXT NOT NULL,
	token_uri TEXT NOT NULL,
	machine_name TEXT NOT NULL,
	work_dir TEXT NOT NULL,
	fsystem TEXT NOT NULL DEFAULT 'posix' CHECK (fsystem IN ('posix', 'windows')),
	small_file_size_mb INTEGER NOT NULL DEFAULT 5
);
CREATE TABLE IF NOT EXISTS code (
	pk INTEGER PRIMARY KEY AUTOINCREMENT,
	label TEXT NOT NULL,
	client_pk INTEGER NOT NULL REFERENCES client (pk),
	script TEXT NOT NULL,
	upload_paths TEXT NOT NULL DEFAULT '{}',
	UNIQUE (client_pk, label)
);
CREATE TABLE IF NOT EXISTS calcjob (
	pk INTEGER PRIMARY KEY AUTOINCREMENT,
	label TEXT NOT NULL DEFAULT '',
	uuid TEXT NOT NULL,
	code_pk INTEGER NOT NULL REFERENCES code (pk),
	parameters TEXT NOT NULL DEFAULT '{}',
	upload_paths TEXT NOT NULL DEFAULT '{}',
	download_globs TEXT NOT NULL DEFAULT '[]'
);
CREATE TABLE IF NOT EXISTS process (
	pk INTEGER PRIMARY KEY AUTOINCREMENT,
	calcjob_pk INTEGER NOT NULL UNIQUE REFERENCES calcjob (pk) ON DELETE CASCADE,
	step TEXT NOT NULL DEFAULT 'created'
		CHECK (step IN ('created', 'uploading', 'submitting', 'running', 'retrieving', 'finalised')),
	state TEXT NOT NULL DEFAULT 'playing'
		CHECK (state IN ('playing', 'paused', 'finished', 'excepted')),
	job_id TEXT,
	exception TEXT,
	retrieved_paths TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS data_node (
	pk INTEGER PRIMARY KEY AUTOINCREMENT,
	attributes TEXT NOT NULL DEFAULT '{}',
	creator_pk INTEGER NOT NULL REFERENCES calcjob (pk) ON DELETE CASCADE
);
`

// Storage couples the relational entity store with the object store.
// It holds a single database session; concurrent engine tasks serialise
// through the internal mutex.
type Storage struct {
	db      *sql.DB
	objects objectstore.Store

	mu sync.Mutex
	tx *sql.Tx // open batch transaction, if any
}

// NewMemory creates an in-memory storage, for tests and experiments.
func NewMemory() (*Storage, error) {
	db, err := openDB(":memory:")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &Storage{db: db, objects: objectstore.NewMemoryStore()}, nil
}

// Init creates the project layout at dir (storage.sqlite plus objects/) and
// opens it.
func Init(dir string) (*Storage, error) {
	if err := os.MkdirAll(filepath.Join(dir, ObjectsDir), 0o755); err != nil {
		return nil, err
	}
	db, err := openDB(filepath.Join(dir, DBFilename))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return newFileStorage(dir, db)
}

// Open opens an existing project directory, failing if the layout is absent.
func Open(dir string) (*Storage, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, domain.Errorf(domain.KindNotFound,
			"storage path not found (use `fireflow init`): %s", dir)
	}
	dbPath := filepath.Join(dir, DBFilename)
	if _, err := os.Stat(dbPath); err != nil {
		return nil, domain.Errorf(domain.KindNotFound, "database path not found: %s", dbPath)
	}
	db, err := openDB(dbPath)
	if err != nil {
		return nil, err
	}
	return newFileStorage(dir, db)
}

func newFileStorage(dir string, db *sql.DB) (*Storage, error) {
	objects, err := objectstore.NewFileStore(filepath.Join(dir, ObjectsDir))
	if err != nil {
		db.Close()
		return nil, domain.Errorf(domain.KindNotFound, "object store path not found: %v", err)
	}
	return &Storage{db: db, objects: objects}, nil
}

func openDB(path string) (*sql.DB, error) {
	// The pragma rides on the DSN so foreign keys stay enforced on every
	// connection the pool hands out.
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, err
	}
	// One connection keeps the in-memory database coherent and serialises
	// writers.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Objects returns the object store.
func (s *Storage) Objects() objectstore.Store { return s.objects }

// Close releases the database session.
func (s *Storage) Close() error { return s.db.Close() }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Storage) q() querier {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// SaveRow inserts a new entity row, assigning its pk and freezing it.
// Saving a CalcJob also creates its Process row (step=created, state=playing).
func (s *Storage) SaveRow(ctx context.Context, e domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveRowLocked(ctx, e)
}

func (s *Storage) saveRowLocked(ctx context.Context, e domain.Entity) error {
	if e.Frozen() {
		return domain.Errorf(domain.KindConflict, "cannot save frozen object: %s", e)
	}
	if e.PK() != 0 {
		has, err := s.hasRowLocked(ctx, e.TableName(), e.PK())
		if err != nil {
			return err
		}
		if has {
			return domain.Errorf(domain.KindConflict, "cannot save object with existing pk: %s", e)
		}
	}
	if err := s.validate(e); err != nil {
		return err
	}
	pk, err := s.insert(ctx, e)
	if err != nil {
		return err
	}
	e.SetPK(pk)

	if calc, ok := e.(*domain.CalcJob); ok {
		_, err := s.q().ExecContext(ctx,
			`INSERT INTO process (calcjob_pk, step, state) VALUES (?, ?, ?)`,
			calc.Pk, domain.StepCreated, domain.StatePlaying)
		if err != nil {
			return fmt.Errorf("creating process row: %w", err)
		}
	}
	e.Freeze()
	return nil
}

// validate applies the invariants checked at save time.
func (s *Storage) validate(e domain.Entity) error {
	switch v := e.(type) {
	case *domain.Client:
		if v.Label == "" {
			v.Label = domain.RandomName()
		}
		if v.FSystem == "" {
			v.FSystem = "posix"
		}
		if v.FSystem != "posix" && v.FSystem != "windows" {
			return domain.Errorf(domain.KindValidation, "fsystem must be posix or windows: %q", v.FSystem)
		}
		if v.SmallFileSizeMB <= 0 {
			v.SmallFileSizeMB = 5
		}
	case *domain.Code:
		if v.Label == "" {
			v.Label = domain.RandomName()
		}
		if err := s.checkUploadPaths(v.UploadPaths); err != nil {
			return err
		}
	case *domain.CalcJob:
		if v.UUID == "" {
			return domain.Errorf(domain.KindValidation, "calcjob uuid must be set")
		}
		if len(v.UUID) != 36 {
			return domain.Errorf(domain.KindValidation, "calcjob uuid must be 36 characters: %q", v.UUID)
		}
		if err := s.checkUploadPaths(v.UploadPaths); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) checkUploadPaths(paths map[string]*string) error {
	for rel, key := range paths {
		if rel == "" || strings.HasPrefix(rel, "/") || strings.Contains(rel, `\`) {
			return domain.Errorf(domain.KindValidation,
				"upload path must be a relative POSIX path: %q", rel)
		}
		if key == nil {
			continue
		}
		ok, err := s.objects.Contains(*key)
		if err != nil {
			return err
		}
		if !ok {
			return domain.Errorf(domain.KindNotFound,
				"upload path %q refers to key %q not in the object store", rel, *key)
		}
	}
	return nil
}

func (s *Storage) insert(ctx context.Context, e domain.Entity) (int64, error) {
	var res sql.Result
	var err error
	switch v := e.(type) {
	case *domain.Client:
		res, err = s.q().ExecContext(ctx, `
			INSERT INTO client (label, client_url, client_id, client_secret,
				token_uri, machine_name, work_dir, fsystem, small_file_size_mb)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.Label, v.ClientURL, v.ClientID, v.ClientSecret,
			v.TokenURI, v.MachineName, v.WorkDir, v.FSystem, v.SmallFileSizeMB)
	case *domain.Code:
		res, err = s.q().ExecContext(ctx, `
			INSERT INTO code (label, client_pk, script, upload_paths)
			VALUES (?, ?, ?, ?)`,
			v.Label, v.ClientPk, v.Script, mustJSON(v.UploadPaths))
	case *domain.CalcJob:
		res, err = s.q().ExecContext(ctx, `
			INSERT INTO calcjob (label, uuid, code_pk, parameters, upload_paths, download_globs)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.Label, v.UUID, v.CodePk, mustJSON(v.Parameters),
			mustJSON(v.UploadPaths), mustJSON(v.DownloadGlobs))
	case *domain.Process:
		res, err = s.q().ExecContext(ctx, `
			INSERT INTO process (calcjob_pk, step, state, job_id, exception, retrieved_paths)
			VALUES (?, ?, ?, ?, ?, ?)`,
			v.CalcJobPk, v.Step, v.State, v.JobID, v.Exception, mustJSON(v.RetrievedPaths))
	case *domain.DataNode:
		res, err = s.q().ExecContext(ctx, `
			INSERT INTO data_node (attributes, creator_pk) VALUES (?, ?)`,
			mustJSON(v.Attributes), v.CreatorPk)
	default:
		return 0, domain.Errorf(domain.KindValidation, "unknown entity type %T", e)
	}
	if err != nil {
		if isConstraintErr(err) {
			return 0, domain.Errorf(domain.KindConflict, "saving %s: %v", e, err)
		}
		return 0, fmt.Errorf("saving %s: %w", e, err)
	}
	return res.LastInsertId()
}

// UpdateRow writes an existing row back. It is engine-internal: it joins an
// open batch transaction when one is active, otherwise it commits on its own.
func (s *Storage) UpdateRow(ctx context.Context, e domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.PK() == 0 {
		return domain.Errorf(domain.KindValidation, "%s not saved", e)
	}
	var err error
	switch v := e.(type) {
	case *domain.Client:
		_, err = s.q().ExecContext(ctx, `
			UPDATE client SET label = ?, client_url = ?, client_id = ?,
				client_secret = ?, token_uri = ?, machine_name = ?,
				work_dir = ?, fsystem = ?, small_file_size_mb = ?
			WHERE pk = ?`,
			v.Label, v.ClientURL, v.ClientID, v.ClientSecret, v.TokenURI,
			v.MachineName, v.WorkDir, v.FSystem, v.SmallFileSizeMB, v.Pk)
	case *domain.Code:
		_, err = s.q().ExecContext(ctx, `
			UPDATE code SET label = ?, client_pk = ?, script = ?, upload_paths = ?
			WHERE pk = ?`,
			v.Label, v.ClientPk, v.Script, mustJSON(v.UploadPaths), v.Pk)
	case *domain.CalcJob:
		_, err = s.q().ExecContext(ctx, `
			UPDATE calcjob SET label = ?, uuid = ?, code_pk = ?, parameters = ?,
				upload_paths = ?, download_globs = ?
			WHERE pk = ?`,
			v.Label, v.UUID, v.CodePk, mustJSON(v.Parameters),
			mustJSON(v.UploadPaths), mustJSON(v.DownloadGlobs), v.Pk)
	case *domain.Process:
		_, err = s.q().ExecContext(ctx, `
			UPDATE process SET calcjob_pk = ?, step = ?, state = ?, job_id = ?,
				exception = ?, retrieved_paths = ?
			WHERE pk = ?`,
			v.CalcJobPk, v.Step, v.State, v.JobID, v.Exception,
			mustJSON(v.RetrievedPaths), v.Pk)
	case *domain.DataNode:
		_, err = s.q().ExecContext(ctx, `
			UPDATE data_node SET attributes = ?, creator_pk = ? WHERE pk = ?`,
			mustJSON(v.Attributes), v.CreatorPk, v.Pk)
	default:
		return domain.Errorf(domain.KindValidation, "unknown entity type %T", e)
	}
	if err != nil {
		return fmt.Errorf("updating %s: %w", e, err)
	}
	return nil
}

// DeleteRow deletes an entity row. A foreign-key violation reports the row as
// undeletable and leaves it in place.
func (s *Storage) DeleteRow(ctx context.Context, e domain.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.PK() == 0 {
		return domain.Errorf(domain.KindValidation, "%s not saved", e)
	}
	_, err := s.q().ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE pk = ?", e.TableName()), e.PK())
	if err != nil {
		if isConstraintErr(err) {
			return &domain.UnDeletableError{Entity: e.TableName(), Pk: e.PK(), Err: err}
		}
		return fmt.Errorf("deleting %s: %w", e, err)
	}
	return nil
}

// DeleteByPk deletes by table name and pk, for CLI use.
func (s *Storage) DeleteByPk(ctx context.Context, table string, pk int64) error {
	e, err := entityForTable(table)
	if err != nil {
		return err
	}
	e.SetPK(pk)
	return s.DeleteRow(ctx, e)
}

// HasRow reports whether a row with the given pk exists.
func (s *Storage) HasRow(ctx context.Context, table string, pk int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasRowLocked(ctx, table, pk)
}

func (s *Storage) hasRowLocked(ctx context.Context, table string, pk int64) (bool, error) {
	if _, ok := tableColumns[table]; !ok {
		return false, domain.Errorf(domain.KindValidation, "unknown table %q", table)
	}
	var one int
	err := s.q().QueryRowContext(ctx,
		fmt.Sprintf("SELECT 1 FROM %s WHERE pk = ?", table), pk).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetColumn fetches one column of one row.
func (s *Storage) GetColumn(ctx context.Context, table, column string, pk int64) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cols, ok := tableColumns[table]
	if !ok {
		return nil, domain.Errorf(domain.KindValidation, "unknown table %q", table)
	}
	if !cols[column] {
		return nil, domain.Errorf(domain.KindValidation, "unknown column %q on %s", column, table)
	}
	var value any
	err := s.q().QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE pk = ?", column, table), pk).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, domain.Errorf(domain.KindNotFound, "%s(%d) not found", table, pk)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func mustJSON(v any) string {
	if v == nil {
		return "null"
	}
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshalling column value: %v", err))
	}
	return string(data)
}

func isConstraintErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "constraint failed") ||
		strings.Contains(msg, "FOREIGN KEY constraint") ||
		strings.Contains(msg, "UNIQUE constraint")
}

func entityForTable(table string) (domain.Entity, error) {
	switch table {
	case "client":
		return &domain.Client{}, nil
	case "code":
		return &domain.Code{}, nil
	case "calcjob":
		return &domain.CalcJob{}, nil
	case "process":
		return &domain.Process{}, nil
	case "data_node":
		return &domain.DataNode{}, nil
	}
	return nil, domain.Errorf(domain.KindValidation, "unknown table %q", table)
}
