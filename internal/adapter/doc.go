/*
Package adapter defines the capability contract between the orchestration core
and the integrations it supervises.

Every adapter implements the same four operations: Initialize, HealthCheck,
HandleRequest and Shutdown. Implementations are made available through a
Registration, which pairs a name, version, Kind and capability tags with a
Factory. The plugin manager instantiates adapters through the factory; nothing
in the core inspects adapter types at runtime.

Kind is a closed set (messaging, notification, inference). Tags are free-form
and are what the router matches request tags against.

The Echo adapter is a reference implementation used by the CLI demo mode.
*/
package adapter
