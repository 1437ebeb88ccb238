package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	loadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "llmd",
		Subsystem: "engine",
		Name:      "loads_total",
		Help:      "Total number of pipeline loads",
	})

	unloadsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "llmd",
		Subsystem: "engine",
		Name:      "unloads_total",
		Help:      "Total number of pipeline unloads",
	})

	generationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmd",
		Subsystem: "engine",
		Name:      "generations_total",
		Help:      "Completed generation requests by finish reason",
	}, []string{"model", "finish_reason"})

	generatedTokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "llmd",
		Subsystem: "engine",
		Name:      "generated_tokens_total",
		Help:      "Tokens produced by the decode loop",
	}, []string{"model"})

	interruptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "llmd",
		Subsystem: "engine",
		Name:      "interrupts_total",
		Help:      "Generation interrupts observed at step boundaries",
	})
)

func init() {
	prometheus.MustRegister(loadsTotal, unloadsTotal, generationsTotal, generatedTokensTotal, interruptsTotal)
}
