package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var executions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harmony_pipeline_executions_total",
	Help: "Pipeline executions by pipeline name and outcome.",
}, []string{"pipeline", "outcome"})
