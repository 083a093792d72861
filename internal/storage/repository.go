package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertTradeSQL = `INSERT INTO trades (
        trader,
        amount,
        block_number,
        log_index,
        tx_hash,
        chain_ts,
        observed_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (block_number, log_index) DO NOTHING;`

	listTradesByTraderSQL = `SELECT
        trader,
        amount,
        block_number,
        log_index,
        tx_hash,
        chain_ts,
        observed_at,
        created_at
    FROM trades
    WHERE trader = $1
    ORDER BY block_number DESC, log_index DESC
    LIMIT $2;`

	countTradesSQL = `SELECT COUNT(*) FROM trades;`

	upsertClassificationSQL = `INSERT INTO classifications (
        address,
        score,
        category,
        risk_level,
        bot_type,
        liquidity_provided,
        signals,
        publish_state,
        classified_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (address) DO UPDATE
    SET
        score              = EXCLUDED.score,
        category           = EXCLUDED.category,
        risk_level         = EXCLUDED.risk_level,
        bot_type           = EXCLUDED.bot_type,
        liquidity_provided = EXCLUDED.liquidity_provided,
        signals            = EXCLUDED.signals,
        publish_state      = EXCLUDED.publish_state,
        classified_at      = EXCLUDED.classified_at,
        updated_at         = NOW();`

	listClassificationsSQL = `SELECT
        address,
        score,
        category,
        risk_level,
        bot_type,
        liquidity_provided,
        signals,
        publish_state,
        classified_at,
        updated_at
    FROM classifications
    WHERE ($1 = '' OR category = $1)
    ORDER BY score DESC
    LIMIT $2;`

	getClassificationSQL = `SELECT
        address,
        score,
        category,
        risk_level,
        bot_type,
        liquidity_provided,
        signals,
        publish_state,
        classified_at,
        updated_at
    FROM classifications
    WHERE address = $1;`

	markPublishedSQL = `UPDATE classifications
    SET publish_state = 'PUBLISHED', updated_at = NOW()
    WHERE address = $1 AND category = $2;`

	saveWatermarkSQL = `INSERT INTO backfill_watermark (id, block_number)
    VALUES (1, $1)
    ON CONFLICT (id) DO UPDATE SET block_number = EXCLUDED.block_number;`

	loadWatermarkSQL = `SELECT block_number FROM backfill_watermark WHERE id = 1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// TradeStore defines operations for the trade audit trail.
type TradeStore interface {
	InsertTrade(ctx context.Context, row TradeRow) error
	ListTradesByTrader(ctx context.Context, trader string, limit int) ([]TradeRow, error)
	CountTrades(ctx context.Context) (int64, error)
}

// ClassificationStore defines operations for classification auditing.
type ClassificationStore interface {
	UpsertClassification(ctx context.Context, row ClassificationRow) error
	ListClassifications(ctx context.Context, category string, limit int) ([]ClassificationRow, error)
	GetClassification(ctx context.Context, address string) (ClassificationRow, error)
	MarkPublished(ctx context.Context, address, category string) error
}

// AdvisoryLocker guards the snapshot writer behind a postgres advisory lock.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error)
}

// WatermarkStore persists the backfill resume point alongside the file
// checkpoint so a fresh host can resume without local state.
type WatermarkStore interface {
	SaveWatermark(ctx context.Context, block uint64) error
	LoadWatermark(ctx context.Context) (uint64, bool, error)
}

// Store aggregates access to trades, classifications and the watermark.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertTrade appends a trade to the audit trail. Replayed events are
// dropped by the (block_number, log_index) uniqueness constraint.
func (s *Store) InsertTrade(ctx context.Context, row TradeRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertTradeSQL,
		row.Trader,
		row.Amount.String(),
		int64(row.BlockNumber),
		int64(row.LogIndex),
		row.TxHash,
		row.ChainTimestamp,
		row.ObservedAt,
	)
	if execErr != nil {
		return fmt.Errorf("insert trade: %w", execErr)
	}
	return nil
}

// ListTradesByTrader lists the most recent trades for one address.
func (s *Store) ListTradesByTrader(ctx context.Context, trader string, limit int) ([]TradeRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listTradesByTraderSQL, trader, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list trades by trader: %w", queryErr)
	}
	defer rows.Close()

	trades := make([]TradeRow, 0, limit)
	for rows.Next() {
		trade, scanErr := scanTrade(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		trades = append(trades, trade)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return trades, nil
}

// CountTrades counts stored trades.
func (s *Store) CountTrades(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countTradesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count trades: %w", scanErr)
	}
	return count, nil
}

// UpsertClassification persists or updates a classification row by address.
func (s *Store) UpsertClassification(ctx context.Context, row ClassificationRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	var risk interface{}
	if row.RiskLevel != nil {
		risk = *row.RiskLevel
	}
	var botType interface{}
	if row.BotType != nil {
		botType = *row.BotType
	}

	_, execErr := pool.Exec(ctx, upsertClassificationSQL,
		row.Address,
		row.Score,
		row.Category,
		risk,
		botType,
		row.LiquidityProvided.String(),
		row.Signals,
		row.PublishState,
		row.ClassifiedAt,
	)
	if execErr != nil {
		return fmt.Errorf("upsert classification: %w", execErr)
	}
	return nil
}

// ListClassifications lists classifications, optionally filtered by category.
func (s *Store) ListClassifications(ctx context.Context, category string, limit int) ([]ClassificationRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listClassificationsSQL, category, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list classifications: %w", queryErr)
	}
	defer rows.Close()

	records := make([]ClassificationRow, 0, limit)
	for rows.Next() {
		record, scanErr := scanClassification(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, record)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// GetClassification fetches one classification by address.
func (s *Store) GetClassification(ctx context.Context, address string) (ClassificationRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return ClassificationRow{}, err
	}

	rows, queryErr := pool.Query(ctx, getClassificationSQL, address)
	if queryErr != nil {
		return ClassificationRow{}, fmt.Errorf("get classification: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return ClassificationRow{}, rows.Err()
		}
		return ClassificationRow{}, pgx.ErrNoRows
	}
	return scanClassification(rows)
}

// MarkPublished flips a classification's publish state once the batch that
// carried it is mined. The category guard skips rows reclassified mid-flight.
func (s *Store) MarkPublished(ctx context.Context, address, category string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markPublishedSQL, address, category); execErr != nil {
		return fmt.Errorf("mark published: %w", execErr)
	}
	return nil
}

// SaveWatermark records the highest fully processed block.
func (s *Store) SaveWatermark(ctx context.Context, block uint64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, saveWatermarkSQL, int64(block)); execErr != nil {
		return fmt.Errorf("save watermark: %w", execErr)
	}
	return nil
}

// LoadWatermark returns the persisted resume block when one exists.
func (s *Store) LoadWatermark(ctx context.Context) (uint64, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, false, err
	}
	var block int64
	if scanErr := pool.QueryRow(ctx, loadWatermarkSQL).Scan(&block); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load watermark: %w", scanErr)
	}
	return uint64(block), true, nil
}

func scanTrade(rows pgx.Rows) (TradeRow, error) {
	var (
		trader    string
		amountStr string
		block     int64
		logIndex  int64
		txHash    string
		chainTS   time.Time
		observed  time.Time
		createdAt time.Time
	)

	if err := rows.Scan(
		&trader,
		&amountStr,
		&block,
		&logIndex,
		&txHash,
		&chainTS,
		&observed,
		&createdAt,
	); err != nil {
		return TradeRow{}, err
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return TradeRow{}, fmt.Errorf("parse trade amount: %w", err)
	}

	return TradeRow{
		Trader:         trader,
		Amount:         amount,
		BlockNumber:    uint64(block),
		LogIndex:       uint(logIndex),
		TxHash:         txHash,
		ChainTimestamp: chainTS,
		ObservedAt:     observed,
		CreatedAt:      createdAt,
	}, nil
}

func scanClassification(rows pgx.Rows) (ClassificationRow, error) {
	var (
		address      string
		score        int
		category     string
		risk         sql.NullString
		botType      sql.NullString
		liquidityStr string
		signals      []string
		publishState string
		classifiedAt time.Time
		updatedAt    time.Time
	)

	if err := rows.Scan(
		&address,
		&score,
		&category,
		&risk,
		&botType,
		&liquidityStr,
		&signals,
		&publishState,
		&classifiedAt,
		&updatedAt,
	); err != nil {
		return ClassificationRow{}, err
	}

	liquidity, err := decimal.NewFromString(liquidityStr)
	if err != nil {
		return ClassificationRow{}, fmt.Errorf("parse liquidity: %w", err)
	}

	row := ClassificationRow{
		Address:           address,
		Score:             score,
		Category:          category,
		LiquidityProvided: liquidity,
		Signals:           signals,
		PublishState:      publishState,
		ClassifiedAt:      classifiedAt,
		UpdatedAt:         updatedAt,
	}

	if risk.Valid {
		value := risk.String
		row.RiskLevel = &value
	}
	if botType.Valid {
		value := botType.String
		row.BotType = &value
	}

	return row, nil
}
