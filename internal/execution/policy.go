package execution

import (
	"context"
	"math/rand"
	"time"

	"alphafarm/internal/config"
)

// Policy 汇总订单生命周期中的次数上限与等待区间。
type Policy struct {
	MaxSubmitAttempts  int
	MaxPollChecks      int
	MaxPartialRechecks int
	MaxRepriceAttempts int
	MaxResubmits       int
	SubmitJitterMin    time.Duration
	SubmitJitterMax    time.Duration
	PollIntervalMin    time.Duration
	PollIntervalMax    time.Duration
	CancelSettle       time.Duration
}

// PolicyFromConfig 从配置构造 Policy。
func PolicyFromConfig(cfg config.PolicyConfig) Policy {
	p := Policy{
		MaxSubmitAttempts:  cfg.MaxSubmitAttempts,
		MaxPollChecks:      cfg.MaxPollChecks,
		MaxPartialRechecks: cfg.MaxPartialRechecks,
		MaxRepriceAttempts: cfg.MaxRepriceAttempts,
		MaxResubmits:       cfg.MaxResubmits,
		SubmitJitterMin:    cfg.SubmitJitterMin,
		SubmitJitterMax:    cfg.SubmitJitterMax,
		PollIntervalMin:    cfg.PollIntervalMin,
		PollIntervalMax:    cfg.PollIntervalMax,
		CancelSettle:       cfg.CancelSettle,
	}
	if p.MaxSubmitAttempts <= 0 {
		p.MaxSubmitAttempts = 5
	}
	if p.MaxPollChecks <= 0 {
		p.MaxPollChecks = 5
	}
	if p.MaxResubmits <= 0 {
		p.MaxResubmits = 10
	}
	return p
}

func (p Policy) submitJitter() time.Duration {
	return Jitter(p.SubmitJitterMin, p.SubmitJitterMax)
}

func (p Policy) pollInterval() time.Duration {
	return Jitter(p.PollIntervalMin, p.PollIntervalMax)
}

// Jitter 返回 [lo, hi] 区间内的随机时长。
func Jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo+1)))
}

// Sleep 在 ctx 取消时提前返回。d<=0 时只检查 ctx。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
