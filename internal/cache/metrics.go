package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "crowdsec_http_bouncer",
	Subsystem: "cache",
	Name:      "lookups_total",
	Help:      "Cache lookups by backend and outcome.",
}, []string{"backend", "outcome"})

func observeLookup(backend string, hit bool) {
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	cacheLookups.WithLabelValues(backend, outcome).Inc()
}
