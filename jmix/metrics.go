package jmix

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var packagesBuilt = promauto.NewCounter(prometheus.CounterOpts{
	Name: "harmony_jmix_packages_built_total",
	Help: "JMIX packages built and indexed.",
})
