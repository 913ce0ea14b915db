package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	Asks                 prometheus.Counter
	AskFailures          prometheus.Counter
	MessagesPersisted    prometheus.Counter
	ConversationsCleaned prometheus.Counter
	UsageRecords         prometheus.Counter
	UsageJobFailures     prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			Asks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "productchat",
				Name:      "asks_total",
				Help:      "Total questions sent to the inference backend",
			}),
			AskFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "productchat",
				Name:      "ask_failures_total",
				Help:      "Total inference calls that failed or timed out",
			}),
			MessagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "productchat",
				Name:      "messages_persisted_total",
				Help:      "Total messages written to the conversation store",
			}),
			ConversationsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "productchat",
				Name:      "conversations_cleaned_total",
				Help:      "Total empty conversations removed by cleanup",
			}),
			UsageRecords: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "productchat",
				Name:      "usage_records_total",
				Help:      "Total usage ledger rows written",
			}),
			UsageJobFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "productchat",
				Name:      "usage_job_failures_total",
				Help:      "Total usage jobs that failed processing",
			}),
		}
		prometheus.MustRegister(global.Asks, global.AskFailures, global.MessagesPersisted, global.ConversationsCleaned, global.UsageRecords, global.UsageJobFailures)
	})
	return global
}
