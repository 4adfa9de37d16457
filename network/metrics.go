package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harmony_http_requests_total",
	Help: "HTTP requests by network and status class.",
}, []string{"network", "class"})
