package bouncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	processedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crowdsec_http_bouncer",
		Name:      "processed_requests_total",
		Help:      "Bounced requests by applied remediation.",
	}, []string{"remediation"})

	bounceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "crowdsec_http_bouncer",
		Name:      "errors_total",
		Help:      "Requests on which bouncing failed and the boundary policy applied.",
	})
)
