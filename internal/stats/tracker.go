package stats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"alphafarm/internal/config"
	"alphafarm/internal/metrics"
	"alphafarm/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS cycle_daily_stats (
		trading_date TEXT PRIMARY KEY,
		trade_count INTEGER NOT NULL DEFAULT 0,
		cumulative_notional REAL NOT NULL DEFAULT 0,
		cumulative_loss REAL NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS cycle_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		buy_notional REAL NOT NULL,
		sell_notional REAL NOT NULL,
		loss REAL NOT NULL,
		trading_date TEXT NOT NULL,
		occurred_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_cycle_log_date ON cycle_log(trading_date);`,
}

// Option 调整 Tracker 行为。
type Option func(*Tracker)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker 维护按交易日切分的循环计数，并在内存中保留最新快照。
type Tracker struct {
	db        *sql.DB
	resetHour int
	maxLoss   float64
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.RWMutex
	snapshot Counters
}

// NewTracker 创建统计器，初始化表结构并载入当日计数。
func NewTracker(ctx context.Context, st *store.Store, cfg config.StatsConfig, logger *zap.Logger, opts ...Option) (*Tracker, error) {
	if st == nil {
		return nil, errors.New("stats: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracker{
		db:        st.DB(),
		resetHour: cfg.ResetHour,
		maxLoss:   cfg.MaxDailyLoss,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := st.Migrate(ctx, schema...); err != nil {
		return nil, fmt.Errorf("stats: 初始化表结构失败: %w", err)
	}

	counters, err := t.load(ctx, tradingDay(t.now(), t.resetHour))
	if err != nil {
		return nil, err
	}
	t.snapshot = counters
	metrics.SetCounters(counters.CumulativeLoss, counters.CumulativeNotional)

	return t, nil
}

// Record 在一个事务内累加当日计数并写入循环明细，返回更新后的计数。
func (t *Tracker) Record(ctx context.Context, result CycleResult) (Counters, error) {
	ts := result.Timestamp
	if ts.IsZero() {
		ts = t.now()
	}
	tradingDate := tradingDay(ts, t.resetHour)
	now := t.now().UTC()

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return Counters{}, fmt.Errorf("stats: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO cycle_daily_stats (trading_date, trade_count, cumulative_notional, cumulative_loss, updated_at)
		 VALUES (?, 1, ?, ?, ?)
		 ON CONFLICT(trading_date) DO UPDATE SET
			trade_count = trade_count + 1,
			cumulative_notional = cumulative_notional + excluded.cumulative_notional,
			cumulative_loss = cumulative_loss + excluded.cumulative_loss,
			updated_at = excluded.updated_at`,
		tradingDate, result.BuyNotional, result.Loss, now.Format(time.RFC3339),
	); err != nil {
		err = fmt.Errorf("stats: 更新日度计数失败: %w", err)
		return Counters{}, err
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO cycle_log (cycle_id, symbol, buy_notional, sell_notional, loss, trading_date, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		result.CycleID, result.Symbol, result.BuyNotional, result.SellNotional, result.Loss,
		tradingDate, ts.UTC().Format(time.RFC3339),
	); err != nil {
		err = fmt.Errorf("stats: 写入循环明细失败: %w", err)
		return Counters{}, err
	}

	var counters Counters
	counters, err = scanCounters(tx.QueryRowContext(ctx,
		`SELECT trading_date, trade_count, cumulative_notional, cumulative_loss, updated_at
		 FROM cycle_daily_stats WHERE trading_date = ?`, tradingDate))
	if err != nil {
		return Counters{}, err
	}

	if err = tx.Commit(); err != nil {
		err = fmt.Errorf("stats: 提交事务失败: %w", err)
		return Counters{}, err
	}

	t.mu.Lock()
	t.snapshot = counters
	t.mu.Unlock()
	metrics.SetCounters(counters.CumulativeLoss, counters.CumulativeNotional)

	t.logger.Info("循环计数已更新",
		zap.String("trading_date", counters.TradingDate),
		zap.Int("completed_trades", counters.CompletedTrades),
		zap.Float64("cumulative_loss", counters.CumulativeLoss),
		zap.Float64("cumulative_notional", counters.CumulativeNotional),
	)

	if t.maxLoss > 0 && counters.CumulativeLoss >= t.maxLoss {
		t.logger.Warn("当日累计损耗达到上限，停止新循环",
			zap.String("trading_date", counters.TradingDate),
			zap.Float64("cumulative_loss", counters.CumulativeLoss),
			zap.Float64("max_daily_loss", t.maxLoss),
		)
	}

	return counters, nil
}

// Halted 表示当日累计损耗已达到上限。
func (t *Tracker) Halted() bool {
	return t.maxLoss > 0 && t.Counters().CumulativeLoss >= t.maxLoss
}

// Counters 返回当日计数快照。跨过日切点后返回清零的新一日计数。
func (t *Tracker) Counters() Counters {
	today := tradingDay(t.now(), t.resetHour)

	t.mu.RLock()
	snap := t.snapshot
	t.mu.RUnlock()

	if snap.TradingDate != today {
		return Counters{TradingDate: today}
	}
	return snap
}

// History 返回最近若干交易日的计数，按日期倒序。
func (t *Tracker) History(ctx context.Context, limit int) ([]Counters, error) {
	if limit <= 0 {
		limit = 30
	}

	rows, err := t.db.QueryContext(ctx,
		`SELECT trading_date, trade_count, cumulative_notional, cumulative_loss, updated_at
		 FROM cycle_daily_stats ORDER BY trading_date DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("stats: 查询历史计数失败: %w", err)
	}
	defer rows.Close()

	history := make([]Counters, 0, limit)
	for rows.Next() {
		c, scanErr := scanCounters(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		history = append(history, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats: 读取历史计数失败: %w", err)
	}
	return history, nil
}

func (t *Tracker) load(ctx context.Context, tradingDate string) (Counters, error) {
	counters, err := scanCounters(t.db.QueryRowContext(ctx,
		`SELECT trading_date, trade_count, cumulative_notional, cumulative_loss, updated_at
		 FROM cycle_daily_stats WHERE trading_date = ?`, tradingDate))
	if errors.Is(err, sql.ErrNoRows) {
		return Counters{TradingDate: tradingDate}, nil
	}
	return counters, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCounters(row rowScanner) (Counters, error) {
	var (
		c       Counters
		updated string
	)
	if err := row.Scan(&c.TradingDate, &c.CompletedTrades, &c.CumulativeNotional, &c.CumulativeLoss, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c, err
		}
		return c, fmt.Errorf("stats: 解析计数失败: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339, updated); err == nil {
		c.UpdatedAt = ts
	}
	return c, nil
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	utc := ts.UTC()
	shifted := utc.Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Format("2006-01-02")
}
