package trading

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"alphafarm/internal/config"
	"alphafarm/internal/execution"
)

// Scheduler 在排名靠前的标的上重复执行循环，直到完成指定次数或被停止。
type Scheduler struct {
	runner CycleRunner
	ranker Ranker
	guard  Guard
	cfg    config.CampaignConfig
	logger *zap.Logger

	active    atomic.Bool
	completed atomic.Int64
	last      atomic.Value

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// SchedulerOption 调整调度器行为。
type SchedulerOption func(*Scheduler)

// WithGuard 在每轮开始前检查 guard，触发后结束任务。
func WithGuard(g Guard) SchedulerOption {
	return func(s *Scheduler) { s.guard = g }
}

// NewScheduler 创建任务调度器。
func NewScheduler(runner CycleRunner, ranker Ranker, cfg config.CampaignConfig, logger *zap.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		runner: runner,
		ranker: ranker,
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start 在后台启动任务。cycles<=0 表示不限次数，直到 Stop。
func (s *Scheduler) Start(ctx context.Context, cycles int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrCampaignActive
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.completed.Store(0)
	s.active.Store(true)

	go s.run(runCtx, cancel, cycles, done)
	return nil
}

// Stop 停止任务并等待最后一个标的的清理完成。
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	s.active.Store(false)
	cancel()
	<-done
}

// Done 在任务结束后关闭。尚未启动时返回已关闭的通道。
func (s *Scheduler) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// Active 表示任务是否在运行。
func (s *Scheduler) Active() bool {
	return s.active.Load()
}

// Completed 返回本次任务成功完成的循环数。
func (s *Scheduler) Completed() int {
	return int(s.completed.Load())
}

func (s *Scheduler) lastSymbol() string {
	if v, ok := s.last.Load().(string); ok {
		return v
	}
	return ""
}

func (s *Scheduler) run(ctx context.Context, cancel context.CancelFunc, cycles int, done chan struct{}) {
	defer close(done)
	defer cancel()
	defer s.active.Store(false)

	s.logger.Info("刷量任务开始", zap.Int("cycles", cycles))

	for s.active.Load() && ctx.Err() == nil {
		if cycles > 0 && s.Completed() >= cycles {
			break
		}
		if s.guard != nil && s.guard.Halted() {
			s.logger.Warn("触发当日损耗上限，结束任务")
			break
		}

		symbol, err := s.ranker.Best(ctx)
		if err != nil {
			s.logger.Warn("获取候选标的失败", zap.Error(err))
			s.pause(ctx, s.cfg.ErrorBackoff)
			continue
		}
		if symbol == "" {
			s.logger.Info("暂无可交易标的，稍后重试", zap.Duration("backoff", s.cfg.EmptyBackoff))
			s.pause(ctx, s.cfg.EmptyBackoff)
			continue
		}
		s.last.Store(symbol)

		res, err := s.runner.RunCycle(ctx, symbol)
		switch res {
		case ResultSuccess:
			n := s.completed.Add(1)
			s.logger.Info("循环成功", zap.String("symbol", symbol), zap.Int64("completed", n), zap.Int("target", cycles))
			if cycles > 0 && int(n) >= cycles {
				continue
			}
			s.pause(ctx, execution.Jitter(s.cfg.PacingMin, s.cfg.PacingMax))
		case ResultStopped:
		default:
			if errors.Is(err, execution.ErrReconsider) || res == ResultStuck {
				s.ranker.Demote(symbol)
			}
			s.logger.Warn("循环失败，稍后重试",
				zap.String("symbol", symbol),
				zap.String("result", string(res)),
				zap.Error(err),
			)
			s.pause(ctx, s.cfg.ErrorBackoff)
		}
	}

	if symbol := s.lastSymbol(); symbol != "" {
		if err := s.runner.Cleanup(context.WithoutCancel(ctx), symbol); err != nil {
			s.logger.Error("停止后清理失败", zap.String("symbol", symbol), zap.Error(err))
		}
	}

	s.logger.Info("刷量任务结束", zap.Int("completed", s.Completed()))
}

func (s *Scheduler) pause(ctx context.Context, d time.Duration) {
	_ = execution.Sleep(ctx, d)
}
