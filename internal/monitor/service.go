package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"alphafarm/internal/exchange"
	"alphafarm/internal/metrics"
	"alphafarm/internal/position"
	"alphafarm/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS monitor_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		symbol TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_events_symbol ON monitor_events(symbol);`,
}

// Service 负责持久化监控事件与告警。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ exchange.SubmitRecorder = (*Service)(nil)

// NewService 初始化监控服务，创建所需表结构。
func NewService(ctx context.Context, st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := st.Migrate(ctx, schema...); err != nil {
		return nil, fmt.Errorf("monitor: 初始化表失败: %w", err)
	}

	return &Service{
		db:     st.DB(),
		logger: logger,
	}, nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, symbol, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), event.Symbol, string(payload), event.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// RecordSubmit 记录下单明细，实现 exchange.SubmitRecorder。
func (s *Service) RecordSubmit(ctx context.Context, record exchange.SubmitRecord) {
	// 撤单后的清理流程可能已取消上层 ctx，明细仍需落库
	ctx = context.WithoutCancel(ctx)
	if err := s.Record(ctx, Event{
		Type:      EventOrderSubmit,
		Symbol:    record.Symbol,
		Timestamp: record.Timestamp,
		Payload:   OrderSubmitPayload{SubmitRecord: record},
	}); err != nil {
		s.logger.Warn("记录下单明细失败", zap.Error(err))
	}
}

// RecordCycle 记录循环结果。
func (s *Service) RecordCycle(ctx context.Context, symbol string, payload CycleResultPayload) {
	if err := s.Record(context.WithoutCancel(ctx), Event{
		Type:    EventCycleResult,
		Symbol:  symbol,
		Payload: payload,
	}); err != nil {
		s.logger.Warn("记录循环结果失败", zap.Error(err))
	}
}

// Alert 输出错误日志、持久化告警事件并累加告警指标。
func (s *Service) Alert(ctx context.Context, kind, message string, err error, snap *position.Snapshot) {
	fields := []zap.Field{zap.String("kind", kind)}
	payload := AlertPayload{Kind: kind, Message: message, Position: snap}
	symbol := ""
	if err != nil {
		payload.Error = err.Error()
		fields = append(fields, zap.Error(err))
	}
	if snap != nil {
		symbol = snap.Symbol
		fields = append(fields,
			zap.String("symbol", snap.Symbol),
			zap.Float64("held_quantity", snap.HeldQuantity),
			zap.String("open_order_id", snap.OpenOrderID),
		)
	}
	s.logger.Error(message, fields...)
	metrics.IncAlert(kind)

	if recErr := s.Record(context.WithoutCancel(ctx), Event{
		Type:    EventAlert,
		Symbol:  symbol,
		Payload: payload,
	}); recErr != nil {
		s.logger.Warn("记录告警事件失败", zap.Error(recErr))
	}
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]any) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	if recErr := s.Record(context.WithoutCancel(ctx), Event{
		Type:    EventError,
		Payload: payload,
	}); recErr != nil {
		s.logger.Warn("记录异常事件失败", zap.Error(recErr))
	}
}

// Query 描述事件检索条件。
type Query struct {
	Type   EventType
	Symbol string
	Limit  int
}

// ListEvents 按类型与交易对检索最近事件。
func (s *Service) ListEvents(ctx context.Context, q Query) ([]Event, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, symbol, payload, created_at FROM monitor_events WHERE 1 = 1`
	args := make([]any, 0, 3)
	if q.Type != "" {
		query += ` AND event_type = ?`
		args = append(args, string(q.Type))
	}
	if q.Symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, q.Symbol)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			symbol  string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &symbol, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Symbol:    symbol,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
