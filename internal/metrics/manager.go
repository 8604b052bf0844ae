package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
)

type Manager struct {
	registry     *prometheus.Registry
	keyCollector *KeyCollector
	checks       *prometheus.CounterVec
}

func NewManager(source StatsSource) *Manager {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	keyCollector := NewKeyCollector(source)
	registry.MustRegister(keyCollector)

	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "server5_license_checks_total",
		Help: "License checks by outcome",
	}, []string{"result"})
	registry.MustRegister(checks)

	log.Info().Msg("Metrics manager initialized with key collector")

	return &Manager{
		registry:     registry,
		keyCollector: keyCollector,
		checks:       checks,
	}
}

// ObserveCheck counts one check outcome: a status, "blocked" or "not_found".
func (m *Manager) ObserveCheck(result string) {
	m.checks.WithLabelValues(result).Inc()
}

func (m *Manager) GetRegistry() *prometheus.Registry {
	return m.registry
}
