/*
Package metrics is the prometheus sink for the orchestration core.

A single Collector is built at startup and handed to every component. It owns a
private registry, so tests can construct as many collectors as they like without
colliding on the default registerer.

Exported series (namespace and subsystem from Config):

	health_checks_total{adapter,outcome}
	health_check_duration_seconds{adapter}
	health_results_discarded_total{adapter}
	breaker_transitions_total{adapter,from,to}
	breaker_state{adapter}
	adapter_lifecycle_transitions_total{adapter,to}
	scaling_decisions_total{action,metric}
	resource_usage_percent{metric}
	resource_forecast_percent{metric}
	routed_requests_total{adapter,outcome}
	route_duration_seconds{adapter}
	abandoned_calls_total{adapter,operation}
	dead_letter_retries_total
	dead_letter_terminal_total{reason}
	dead_letter_depth
	archive_writes_total{status}

When Config.Enabled is false the recorders only update the in-memory tallies
returned by Snapshot and Handler serves 404.
*/
package metrics
