/*
Package config provides configuration management for Switchyard.

Configuration is assembled from three sources, lowest precedence first:

	defaults (NewDefault) -> YAML file (LoadFromFile) -> environment (LoadFromEnv, SWITCHYARD_*)

Load performs all three steps and then Validate. Validation combines struct tags
checked with go-playground/validator and cross-field rules the tags cannot
express: scaling thresholds must be ordered low < high < emergency, the health
check timeout must fit inside the health interval, and essential adapters may not
appear in the degradation order.

Example:

	global:
	  log_level: INFO
	health:
	  interval: 5s
	  check_timeout: 200ms
	scaling:
	  high_threshold: 80
	  low_threshold: 65
	  emergency_threshold: 95
	  shed_metrics: [cpu, memory]
	adapters:
	  degradation_order: [digest, push, sms]
	  essential: [chat]
	dead_letter:
	  max_attempts: 10

The configuration structs describe the file format only. Each component keeps its
own Config type and the orchestrator translates between the two.
*/
package config
