package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/itzcole03/recompute-core/internal/config"
)

// Checker runs periodic alert checks in the background. Alerts are edge
// triggered: a type is posted when it becomes active and again only after
// it has cleared for at least one check.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	mu     sync.Mutex
	active map[AlertType]time.Time
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		active:    make(map[AlertType]time.Time),
	}
}

// Run checks every CheckIntervalSecs (one minute when unset) until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Bool("webhook", c.cfg.WebhookURL != ""),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped", zap.Strings("active", typeNames(c.Active())))
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check runs one collect-evaluate-send cycle and returns every alert whose
// condition currently holds. Only newly raised types are posted.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect status", zap.Error(err))
		return nil
	}

	alerts := c.alerter.Evaluate(snap)
	raised, cleared := c.transition(alerts, snap.CollectedAt)

	if len(cleared) > 0 {
		log.Info("monitoring: alerts cleared", zap.Strings("types", typeNames(cleared)))
	}
	if len(raised) == 0 {
		log.Debug("monitoring: no new alerts",
			zap.Int("active", len(alerts)),
			zap.String("load_mode", string(snap.LoadMode)),
		)
		return alerts
	}

	sent := c.alerter.SendAlerts(ctx, raised)
	types := make([]AlertType, len(raised))
	for i, a := range raised {
		types[i] = a.Type
	}
	log.Warn("monitoring: alerts raised",
		zap.Strings("types", typeNames(types)),
		zap.Int("alerts_sent", sent),
		zap.String("load_mode", string(snap.LoadMode)),
		zap.Int("providers_open", snap.ProvidersOpen),
	)
	return alerts
}

// Active returns the alert types raised and not yet cleared.
func (c *Checker) Active() []AlertType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AlertType, 0, len(c.active))
	for t := range c.active {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// transition records the current alert set and returns the alerts not
// active on the previous check plus the types that have cleared since.
func (c *Checker) transition(alerts []Alert, at time.Time) (raised []Alert, cleared []AlertType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[AlertType]struct{}, len(alerts))
	for _, a := range alerts {
		seen[a.Type] = struct{}{}
		if _, ok := c.active[a.Type]; ok {
			continue
		}
		c.active[a.Type] = at
		raised = append(raised, a)
	}
	for t := range c.active {
		if _, ok := seen[t]; !ok {
			delete(c.active, t)
			cleared = append(cleared, t)
		}
	}
	sort.Slice(cleared, func(i, j int) bool { return cleared[i] < cleared[j] })
	return raised, cleared
}

func typeNames(types []AlertType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
