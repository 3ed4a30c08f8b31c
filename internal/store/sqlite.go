package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	apperrors "portfolio-copilot/internal/errors"
	"portfolio-copilot/internal/models"
)

// SQLiteStore implements HoldingsCache using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	syncTimes map[string]time.Time
}

// NewSQLiteStore opens (or creates) the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{
		db:        db,
		syncTimes: make(map[string]time.Time),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Last successful holdings fetch, one row per instrument and source
	CREATE TABLE IF NOT EXISTS holdings_snapshot (
		source TEXT NOT NULL,
		instrument_token INTEGER NOT NULL,
		tradingsymbol TEXT NOT NULL,
		exchange TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		average_price REAL NOT NULL,
		last_price REAL NOT NULL,
		position INTEGER NOT NULL,
		PRIMARY KEY (source, position)
	);

	-- Sync status table
	CREATE TABLE IF NOT EXISTS sync_status (
		data_type TEXT PRIMARY KEY,
		last_sync DATETIME NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_holdings_source ON holdings_snapshot(source);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func syncKey(source string) string {
	return "holdings:" + source
}

// SaveHoldings replaces the snapshot for source in one transaction.
func (s *SQLiteStore) SaveHoldings(ctx context.Context, source string, holdings []models.Holding, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM holdings_snapshot WHERE source = ?`, source); err != nil {
		return fmt.Errorf("failed to clear snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO holdings_snapshot (source, instrument_token, tradingsymbol, exchange, quantity, average_price, last_price, position)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for i, h := range holdings {
		_, err := stmt.ExecContext(ctx, source, h.InstrumentToken, h.TradingSymbol, string(h.Exchange), h.Quantity, h.AveragePrice, h.LastPrice, i)
		if err != nil {
			return fmt.Errorf("failed to insert holding: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_status (data_type, last_sync, updated_at)
		VALUES (?, ?, ?)
	`, syncKey(source), at.UTC(), time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set last sync: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.mu.Lock()
	s.syncTimes[source] = at
	s.mu.Unlock()

	return nil
}

// LoadHoldings returns the snapshot for source in the order it was saved.
func (s *SQLiteStore) LoadHoldings(ctx context.Context, source string) ([]models.Holding, time.Time, error) {
	at := s.LastSync(ctx, source)
	if at.IsZero() {
		return nil, time.Time{}, apperrors.NewDataError("holdings", source, "no cached snapshot", apperrors.ErrDataNotFound)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument_token, tradingsymbol, exchange, quantity, average_price, last_price
		FROM holdings_snapshot
		WHERE source = ?
		ORDER BY position ASC
	`, source)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: failed to query holdings: %v", apperrors.ErrDatabaseError, err)
	}
	defer rows.Close()

	holdings := []models.Holding{}
	for rows.Next() {
		var h models.Holding
		var exchange string
		if err := rows.Scan(&h.InstrumentToken, &h.TradingSymbol, &exchange, &h.Quantity, &h.AveragePrice, &h.LastPrice); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan holding: %w", err)
		}
		h.Exchange = models.Exchange(exchange)
		holdings = append(holdings, h)
	}

	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("error iterating holdings: %w", err)
	}

	return holdings, at, nil
}

// LastSync returns when the snapshot for source was taken, or the zero time.
func (s *SQLiteStore) LastSync(ctx context.Context, source string) time.Time {
	s.mu.RLock()
	if t, ok := s.syncTimes[source]; ok {
		s.mu.RUnlock()
		return t
	}
	s.mu.RUnlock()

	var lastSync time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sync FROM sync_status WHERE data_type = ?
	`, syncKey(source)).Scan(&lastSync)
	if err != nil {
		return time.Time{}
	}

	s.mu.Lock()
	s.syncTimes[source] = lastSync
	s.mu.Unlock()

	return lastSync
}

var _ HoldingsCache = (*SQLiteStore)(nil)
