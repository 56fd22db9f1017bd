package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	// Pure Go SQLite driver.
	_ "modernc.org/sqlite"

	runtimeerrors "github.com/modulaur/modulaur/pkg/errors"
)

// SQLiteConfig configures the SQLite-backed store.
type SQLiteConfig struct {
	// Path to the database file.
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE).
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL).
	Synchronous string

	// BusyTimeout is the lock-acquisition timeout in milliseconds.
	BusyTimeout int

	// MaxConnections caps the connection pool.
	MaxConnections int
}

// DefaultSQLiteConfig returns the defaults used when fields are zero.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		Path:           "modulaur.db",
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
	}
}

// SQLiteStore implements Store on a SQLite database, so staged records can
// be inspected with standard SQLite tools.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool

	upsertStmt *sql.Stmt
	selectStmt *sql.Stmt
	deleteStmt *sql.Stmt
}

// NewSQLiteStore opens (creating if needed) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	def := DefaultSQLiteConfig()
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = def.JournalMode
	}
	if cfg.Synchronous == "" {
		cfg.Synchronous = def.Synchronous
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = def.BusyTimeout
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = def.MaxConnections
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		cfg.Path, cfg.JournalMode, cfg.Synchronous, cfg.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections / 2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS staged_records (
			id TEXT PRIMARY KEY,
			record_type TEXT NOT NULL,
			source TEXT NOT NULL,
			ts INTEGER NOT NULL,
			data BLOB,
			metadata TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_records_type ON staged_records(record_type);
		CREATE INDEX IF NOT EXISTS idx_records_source ON staged_records(source);
		CREATE INDEX IF NOT EXISTS idx_records_ts ON staged_records(ts);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.upsertStmt, err = s.db.Prepare(`
		INSERT OR REPLACE INTO staged_records (id, record_type, source, ts, data, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert statement: %w", err)
	}

	s.selectStmt, err = s.db.Prepare(`
		SELECT id, record_type, source, ts, data, metadata
		FROM staged_records WHERE id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare select statement: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM staged_records WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}

	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New("store is closed")
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, rec StagedRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.upsertStmt.ExecContext(ctx,
		rec.ID.String(), rec.RecordType, rec.Source,
		rec.Timestamp.UnixNano(), []byte(rec.Data), metaJSON)
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id RecordID) (*StagedRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rec, err := scanRecord(s.selectStmt.QueryRowContext(ctx, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, runtimeerrors.NewNotFound(id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListByType(ctx context.Context, recordType string) ([]StagedRecord, error) {
	return s.list(ctx, `record_type = ?`, recordType)
}

func (s *SQLiteStore) ListBySource(ctx context.Context, source string) ([]StagedRecord, error) {
	return s.list(ctx, `source = ?`, source)
}

func (s *SQLiteStore) list(ctx context.Context, where string, arg any) ([]StagedRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT id, record_type, source, ts, data, metadata FROM staged_records WHERE ` +
		where + ` ORDER BY ts DESC, id`
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []StagedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id RecordID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.deleteStmt.ExecContext(ctx, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return runtimeerrors.NewNotFound(id.String())
	}
	return nil
}

func (s *SQLiteStore) DeleteByTypeAndSource(ctx context.Context, recordType, source string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM staged_records WHERE record_type = ? AND source = ?`,
		recordType, source)
	if err != nil {
		return 0, fmt.Errorf("failed to delete records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM staged_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM staged_records WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune records: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close releases prepared statements and the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.upsertStmt != nil {
		s.upsertStmt.Close()
	}
	if s.selectStmt != nil {
		s.selectStmt.Close()
	}
	if s.deleteStmt != nil {
		s.deleteStmt.Close()
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*StagedRecord, error) {
	var (
		rawID    string
		rec      StagedRecord
		ts       int64
		data     []byte
		metaJSON []byte
	)
	if err := row.Scan(&rawID, &rec.RecordType, &rec.Source, &ts, &data, &metaJSON); err != nil {
		return nil, err
	}

	id, err := ParseRecordID(rawID)
	if err != nil {
		return nil, err
	}
	rec.ID = id
	rec.Timestamp = time.Unix(0, ts).UTC()
	if len(data) > 0 {
		rec.Data = json.RawMessage(data)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &rec, nil
}
