package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/policygate/policygate/internal/common/events"
)

var chainValidGauge = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "policygate",
		Name:      "ledger_chain_valid",
		Help:      "1 when the last integrity check verified the whole chain, 0 when it found a break",
	},
)

// Monitor verifies the chain on an interval and raises an alarm on the
// first break it sees. It never repairs anything.
type Monitor struct {
	ledger   *Ledger
	interval time.Duration
	bus      events.Bus
	logger   *zap.Logger

	// OnBroken is called with each failed verification
	OnBroken func(err *IntegrityError)
}

// NewMonitor creates a monitor; bus may be nil
func NewMonitor(l *Ledger, interval time.Duration, bus events.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{
		ledger:   l,
		interval: interval,
		bus:      bus,
		logger:   logger.With(zap.String("component", "ledger_monitor")),
	}
}

// Run checks once immediately and then every interval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	if m.interval <= 0 {
		return
	}

	m.CheckOnce(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs a single verification and records the outcome
func (m *Monitor) CheckOnce(ctx context.Context) ValidationResult {
	start := time.Now()
	res, err := m.ledger.VerifyChain(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("Ledger verification could not complete", zap.Error(err))
		}
		return res
	}

	if res.Valid {
		chainValidGauge.Set(1)
		m.logger.Debug("Ledger chain verified",
			zap.Int64("entries", res.Checked),
			zap.Duration("took", time.Since(start)),
		)
		return res
	}

	chainValidGauge.Set(0)
	integrityErr, _ := res.Err().(*IntegrityError)
	m.logger.Error("LEDGER INTEGRITY FAILURE",
		zap.Int64("broken_at_index", integrityErr.Index),
		zap.String("reason", integrityErr.Reason),
	)

	if m.bus != nil {
		body, _ := json.Marshal(res)
		m.bus.PublishAsync(events.NewEvent(events.EventChainBroken, "ledger_monitor", body))
	}
	if m.OnBroken != nil {
		m.OnBroken(integrityErr)
	}
	return res
}
