// Package orchestrator assembles the core: adapter lifecycle, health
// monitoring, circuit breakers, resource sampling, predictive scaling,
// routing with dead-letter retries and terminal-failure archiving. It runs
// every background loop under one supervisor and exposes a single façade
// for hosts to start, stop, route through and inspect.
package orchestrator
