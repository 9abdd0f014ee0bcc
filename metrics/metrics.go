// Package metrics registers the prometheus counters and gauges surfaced by
// the router's /metrics endpoint. /monitor does not read these collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SessionsOpen tracks the number of live client connections.
	SessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shardrouter",
		Name:      "sessions_open",
		Help:      "Number of currently open client connections.",
	})

	// CursorsOpen tracks the number of cursors currently held open across
	// all sessions.
	CursorsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shardrouter",
		Name:      "cursors_open",
		Help:      "Number of cursors currently held open.",
	})

	// StaleConfigRetries counts ShardConfigStale recoveries on the read and
	// write paths (§4.1/§4.5/§4.6). It is exported on /metrics only; /monitor
	// does not show it.
	StaleConfigRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardrouter",
		Name:      "stale_config_retries_total",
		Help:      "Count of ShardConfigStale retries, by pipeline.",
	}, []string{"pipeline"})

	// LostPrimaryEvents counts NotMaster/lostMaster signals observed on the
	// read and write paths.
	LostPrimaryEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shardrouter",
		Name:      "lost_primary_events_total",
		Help:      "Count of lostMaster signals raised by read and write attempts.",
	})

	// CommandsTotal counts dispatched $cmd commands by name.
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shardrouter",
		Name:      "commands_total",
		Help:      "Count of intercepted commands, by name.",
	}, []string{"command"})
)

func init() {
	prometheus.MustRegister(SessionsOpen, CursorsOpen, StaleConfigRetries, LostPrimaryEvents, CommandsTotal)
}
