package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agenthub/hive/pkg/log"
	"github.com/agenthub/hive/pkg/storage"
)

// Collector periodically refreshes the gauge metrics from the store.
type Collector struct {
	db     *storage.Store
	stopCh chan struct{}
}

// NewCollector creates a collector over the shared store.
func NewCollector(db *storage.Store) *Collector {
	return &Collector{db: db, stopCh: make(chan struct{})}
}

// Start begins collecting every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	if err := c.gaugeByLabel("SELECT status, COUNT(*) FROM tasks GROUP BY status", TasksTotal); err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("task gauge collection failed")
	}
	if err := c.gaugeByLabel("SELECT status, COUNT(*) FROM agents GROUP BY status", AgentsTotal); err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("agent gauge collection failed")
	}
	if err := c.gaugeByLabel("SELECT severity, COUNT(*) FROM slo_alerts WHERE resolved_at IS NULL GROUP BY severity", OpenSloAlerts); err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("slo gauge collection failed")
	}

	var active int
	err := c.db.DB().QueryRow(
		"SELECT COUNT(*) FROM task_claims WHERE lease_expires_at > ?", storage.NowMS(),
	).Scan(&active)
	if err != nil {
		log.WithComponent("metrics").Warn().Err(err).Msg("claim gauge collection failed")
		return
	}
	ActiveClaims.Set(float64(active))
}

func (c *Collector) gaugeByLabel(query string, gauge *prometheus.GaugeVec) error {
	rows, err := c.db.DB().Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	gauge.Reset()
	for rows.Next() {
		var (
			label string
			count int
		)
		if err := rows.Scan(&label, &count); err != nil {
			return err
		}
		gauge.WithLabelValues(label).Set(float64(count))
	}
	return rows.Err()
}
