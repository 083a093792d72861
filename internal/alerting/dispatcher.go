package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var riskRank = map[string]int{
	"MEDIUM":   1,
	"HIGH":     2,
	"CRITICAL": 3,
}

// Dispatcher filters committed flags before routing them to a Notifier.
// Repeated flags for the same address inside the cooldown are suppressed.
type Dispatcher struct {
	notifier Notifier
	minRisk  int
	cooldown time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewDispatcher 构造告警分发器。minRisk 为空时不过滤风险等级。
func NewDispatcher(notifier Notifier, minRisk string, cooldown time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		minRisk:  riskRank[minRisk],
		cooldown: cooldown,
		now:      time.Now,
		logger:   logger.With().Str("component", "alert_dispatcher").Logger(),
		lastSent: make(map[string]time.Time),
	}
}

// Dispatch forwards the notification unless it is below the risk floor or
// the address alerted too recently. Delivery errors are logged, not returned;
// a lost alert must not stall the publish pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, note Notification) {
	if rank, ok := riskRank[note.RiskLevel]; note.RiskLevel != "" && ok && rank < d.minRisk {
		return
	}
	if note.RiskLevel == "" && d.minRisk > 0 {
		return
	}

	d.mu.Lock()
	last, seen := d.lastSent[note.Address]
	nowTS := d.now()
	if seen && d.cooldown > 0 && nowTS.Sub(last) < d.cooldown {
		d.mu.Unlock()
		d.logger.Debug().Str("address", note.Address).Msg("冷却期内跳过告警")
		return
	}
	d.lastSent[note.Address] = nowTS
	d.mu.Unlock()

	if err := d.notifier.Notify(ctx, note); err != nil {
		d.logger.Warn().Err(err).Str("address", note.Address).Msg("告警发送失败")
	}
}
