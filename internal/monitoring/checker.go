package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/imagefilter/internal/config"
)

// Checker evaluates ingestion health on a ticker. An alert is sent when it
// is first raised and again only after it has cleared, so a watermark that
// stays stale for a day produces one webhook call, not one per interval.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu     sync.Mutex
	active map[AlertType]bool
}

// NewChecker creates a background health checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		active:    make(map[AlertType]bool),
	}
}

// Run checks once immediately and then every interval until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: starting ingestion health checks",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Int("stale_watermark_hours", c.cfg.StaleWatermarkHours),
		zap.Float64("placeholder_rate_threshold", c.cfg.PlaceholderRateThreshold),
	)

	c.Check(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("monitoring: health checks stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot and sends the alerts that were not already
// active. It returns those newly raised alerts.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect ingestion snapshot", zap.Error(err))
		return nil
	}
	log.Debug("monitoring: ingestion snapshot",
		zap.Int("runs", snap.Runs),
		zap.Int("selected", snap.Selected),
		zap.Int("accepted", snap.Accepted),
		zap.Float64("accept_rate", snap.AcceptRate),
		zap.Float64("placeholder_rate", snap.PlaceholderRate),
		zap.Duration("watermark_age", snap.WatermarkAge()),
	)

	raised := c.transition(log, c.alerter.Evaluate(snap))
	if len(raised) == 0 {
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, raised)
	log.Info("monitoring: ingestion alerts raised",
		zap.Int("alerts_raised", len(raised)),
		zap.Int("alerts_sent", sent),
	)
	return raised
}

// transition updates the active set from the latest evaluation and returns
// the alerts that were not active before.
func (c *Checker) transition(log *zap.Logger, alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	current := make(map[AlertType]bool, len(alerts))
	var raised []Alert
	for _, a := range alerts {
		current[a.Type] = true
		if !c.active[a.Type] {
			raised = append(raised, a)
		}
	}
	for t := range c.active {
		if !current[t] {
			log.Info("monitoring: alert resolved", zap.String("alert", string(t)))
		}
	}
	c.active = current
	return raised
}
