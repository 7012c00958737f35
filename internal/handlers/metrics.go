package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/costsentry/internal/models"
	"github.com/huangang/costsentry/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// queueCollector reads queue depth and connection pool stats at scrape time.
type queueCollector struct {
	db         *gorm.DB
	queueDepth *prometheus.Desc
	openConns  *prometheus.Desc
	inUseConns *prometheus.Desc
	idleConns  *prometheus.Desc
}

func newQueueCollector(db *gorm.DB) *queueCollector {
	return &queueCollector{
		db: db,
		queueDepth: prometheus.NewDesc("costsentry_queue_items",
			"Notification queue items by status.", []string{"status"}, nil),
		openConns: prometheus.NewDesc("costsentry_db_open_connections",
			"Number of open DB connections.", nil, nil),
		inUseConns: prometheus.NewDesc("costsentry_db_in_use_connections",
			"Number of in-use DB connections.", nil, nil),
		idleConns: prometheus.NewDesc("costsentry_db_idle_connections",
			"Number of idle DB connections.", nil, nil),
	}
}

func (c *queueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.openConns
	ch <- c.inUseConns
	ch <- c.idleConns
}

func (c *queueCollector) Collect(ch chan<- prometheus.Metric) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := c.db.Model(&models.QueueItem{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		logger.Warn().Err(err).Msg("[Metrics] queue depth query failed")
	} else {
		counts := make(map[string]int64, len(models.QueueStatuses))
		for _, r := range rows {
			counts[r.Status] = r.Count
		}
		for _, status := range models.QueueStatuses {
			ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(counts[status]), status)
		}
	}

	if sqlDB, err := c.db.DB(); err == nil {
		stats := sqlDB.Stats()
		ch <- prometheus.MustNewConstMetric(c.openConns, prometheus.GaugeValue, float64(stats.OpenConnections))
		ch <- prometheus.MustNewConstMetric(c.inUseConns, prometheus.GaugeValue, float64(stats.InUse))
		ch <- prometheus.MustNewConstMetric(c.idleConns, prometheus.GaugeValue, float64(stats.Idle))
	}
}

// RegisterRuntimeMetrics adds the process, Go runtime and queue collectors to reg.
func RegisterRuntimeMetrics(reg prometheus.Registerer, db *gorm.DB) {
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newQueueCollector(db),
	)
}

// Metrics serves the registry in the Prometheus text format.
// GET /metrics
func Metrics(gatherer prometheus.Gatherer) gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}
