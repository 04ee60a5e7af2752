package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/planogram-cli/internal/config"
)

// Checker runs periodic alert checks in the background. An alert type
// that fired is not resent until its cooldown has passed.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	now       func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		now:       time.Now,
		lastSent:  make(map[AlertType]time.Time),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot and delivers the alerts that are not
// cooling down. It returns the number of alerts delivered to the sender.
func (c *Checker) Check(ctx context.Context) int {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return 0
	}

	alerts := c.due(c.alerter.Evaluate(snap))
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts due", zap.Int("jobs", snap.JobsTotal))
		return 0
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_due", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return len(alerts)
}

// due drops alerts whose type fired within the cooldown and stamps the rest.
func (c *Checker) due(alerts []Alert) []Alert {
	cooldown := time.Duration(c.cfg.AlertCooldownMins) * time.Minute
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	out := alerts[:0]
	for _, a := range alerts {
		if last, ok := c.lastSent[a.Type]; ok && cooldown > 0 && now.Sub(last) < cooldown {
			continue
		}
		c.lastSent[a.Type] = now
		out = append(out, a)
	}
	return out
}
