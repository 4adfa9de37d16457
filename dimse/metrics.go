package dimse

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var activeAssociations = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "harmony_dimse_active_associations",
	Help: "Number of DIMSE associations currently being served.",
})

var scuOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harmony_dimse_scu_operations_total",
	Help: "SCU operations by command and outcome.",
}, []string{"command", "outcome"})
