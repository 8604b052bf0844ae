package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/qqqwwwyeee-boop/server5/internal/model"
)

const collectTimeout = 10 * time.Second

// StatsSource is anything that can report the key counters.
type StatsSource interface {
	Stats(ctx context.Context) (model.Stats, error)
}

// KeyCollector exports the key counters at scrape time.
type KeyCollector struct {
	source StatsSource

	keysByStatusDesc *prometheus.Desc
	scrapeErrorsDesc *prometheus.Desc
}

func NewKeyCollector(source StatsSource) *KeyCollector {
	return &KeyCollector{
		source: source,

		keysByStatusDesc: prometheus.NewDesc(
			"server5_license_keys",
			"Number of license keys by status",
			[]string{"status"},
			nil,
		),
		scrapeErrorsDesc: prometheus.NewDesc(
			"server5_scrape_errors",
			"Set to 1 when the key counters could not be read",
			nil,
			nil,
		),
	}
}

func (c *KeyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.keysByStatusDesc
	ch <- c.scrapeErrorsDesc
}

func (c *KeyCollector) Collect(ch chan<- prometheus.Metric) {
	if c.source == nil {
		log.Debug().Msg("Stats source is nil, skipping key metrics")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	stats, err := c.source.Stats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read key stats for metrics")
		ch <- prometheus.MustNewConstMetric(c.scrapeErrorsDesc, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeErrorsDesc, prometheus.GaugeValue, 0)

	for _, status := range []model.Status{model.StatusActive, model.StatusSuspended, model.StatusInactive} {
		ch <- prometheus.MustNewConstMetric(
			c.keysByStatusDesc,
			prometheus.GaugeValue,
			float64(stats.Count(status)),
			string(status),
		)
	}
}
