package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/execbot/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements Store and OrderLog on one SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path and migrates it.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS quota_counters (
			key TEXT PRIMARY KEY,
			count INTEGER NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS trade_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			positions TEXT NOT NULL,
			pnl_day TEXT NOT NULL DEFAULT '0',
			last_reset DATETIME NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS order_log (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			account_id INTEGER NOT NULL,
			contract_id TEXT NOT NULL,
			type INTEGER NOT NULL,
			side INTEGER NOT NULL,
			size INTEGER NOT NULL,
			limit_price TEXT,
			linked_order_id INTEGER,
			custom_tag TEXT,
			success INTEGER NOT NULL,
			order_id INTEGER,
			error_code INTEGER,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_log_created_at ON order_log(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

// LoadQuotas returns every stored counter.
func (s *SQLiteStore) LoadQuotas(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, count FROM quota_counters`)
	if err != nil {
		return nil, fmt.Errorf("query quotas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

// SaveQuotas replaces every counter in one transaction.
func (s *SQLiteStore) SaveQuotas(ctx context.Context, counts map[string]int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM quota_counters`); err != nil {
		return fmt.Errorf("clear quotas: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO quota_counters (key, count) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for key, n := range counts {
		if _, err := stmt.ExecContext(ctx, key, n); err != nil {
			return fmt.Errorf("insert quota %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadState returns the stored snapshot or types.ErrStateNotFound. A row
// that cannot be decoded is logged and treated as absent.
func (s *SQLiteStore) LoadState(ctx context.Context) (types.TradeState, error) {
	var positions, pnl string
	var lastReset time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT positions, pnl_day, last_reset FROM trade_state WHERE id = 1`,
	).Scan(&positions, &pnl, &lastReset)
	if errors.Is(err, sql.ErrNoRows) {
		return types.TradeState{}, types.ErrStateNotFound
	}
	if err != nil {
		return types.TradeState{}, fmt.Errorf("query state: %w", err)
	}

	st := types.TradeState{LastReset: lastReset.UTC()}
	if err := json.Unmarshal([]byte(positions), &st.Positions); err != nil {
		s.logger.Warn("stored trade state unreadable, starting empty", "err", err)
		return types.TradeState{}, types.ErrStateNotFound
	}
	if st.Positions == nil {
		st.Positions = make(map[string]types.PositionRecord)
	}
	st.PnLDay, err = decimal.NewFromString(pnl)
	if err != nil {
		st.PnLDay = decimal.Zero
	}
	return st, nil
}

// SaveState replaces the stored snapshot.
func (s *SQLiteStore) SaveState(ctx context.Context, st types.TradeState) error {
	positions, err := json.Marshal(st.Positions)
	if err != nil {
		return fmt.Errorf("marshal positions: %w", err)
	}
	query := `INSERT OR REPLACE INTO trade_state (id, positions, pnl_day, last_reset, updated_at)
		VALUES (1, ?, ?, ?, CURRENT_TIMESTAMP)`
	if _, err := s.db.ExecContext(ctx, query, string(positions), st.PnLDay.String(), st.LastReset.UTC()); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// LogOrder inserts one audit row.
func (s *SQLiteStore) LogOrder(ctx context.Context, rec OrderRecord) error {
	query := `INSERT INTO order_log
		(id, created_at, account_id, contract_id, type, side, size, limit_price, linked_order_id, custom_tag, success, order_id, error_code, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var limit sql.NullString
	if rec.LimitPrice.Valid {
		limit = sql.NullString{String: rec.LimitPrice.Decimal.String(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.CreatedAt.UTC(),
		rec.AccountID,
		rec.ContractID,
		int(rec.Type),
		int(rec.Side),
		rec.Size,
		limit,
		rec.LinkedOrderID,
		rec.CustomTag,
		boolToInt(rec.Success),
		rec.OrderID,
		rec.ErrorCode,
		rec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("insert order log: %w", err)
	}
	return nil
}

// RecentOrders returns the newest rows first.
func (s *SQLiteStore) RecentOrders(ctx context.Context, limit int) ([]OrderRecord, error) {
	query := `SELECT id, created_at, account_id, contract_id, type, side, size, limit_price, linked_order_id, custom_tag, success, order_id, error_code, error_message
		FROM order_log ORDER BY id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query order log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []OrderRecord
	for rows.Next() {
		var r OrderRecord
		var typ, side, success int
		var limitPrice, customTag, errMsg sql.NullString
		var linked, orderID, errCode sql.NullInt64

		if err := rows.Scan(&r.ID, &r.CreatedAt, &r.AccountID, &r.ContractID, &typ, &side, &r.Size,
			&limitPrice, &linked, &customTag, &success, &orderID, &errCode, &errMsg); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		r.Type = types.OrderType(typ)
		r.Side = types.OrderSide(side)
		r.Success = success != 0
		r.CustomTag = customTag.String
		r.ErrorMessage = errMsg.String
		if limitPrice.Valid {
			if d, err := decimal.NewFromString(limitPrice.String); err == nil {
				r.LimitPrice = decimal.NewNullDecimal(d)
			}
		}
		if linked.Valid {
			v := linked.Int64
			r.LinkedOrderID = &v
		}
		if orderID.Valid {
			v := orderID.Int64
			r.OrderID = &v
		}
		if errCode.Valid {
			v := int(errCode.Int64)
			r.ErrorCode = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reset clears quotas and trade state. The order log is kept.
func (s *SQLiteStore) Reset(ctx context.Context) error {
	for _, q := range []string{`DELETE FROM quota_counters`, `DELETE FROM trade_state`} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
