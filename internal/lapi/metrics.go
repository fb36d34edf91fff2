package lapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var apiRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "crowdsec_http_bouncer",
	Subsystem: "lapi",
	Name:      "requests_total",
	Help:      "Requests sent to the LAPI by endpoint and outcome.",
}, []string{"endpoint", "outcome"})

func observeRequest(endpoint string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	apiRequests.WithLabelValues(endpoint, outcome).Inc()
}
