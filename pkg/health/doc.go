// Package health provides small, independent health-check mechanisms: HTTP,
// TCP, and Exec checkers behind a common Checker interface.
//
// This module wires TCPChecker into pkg/rpc.ConnFactory's worker preflight
// probe, detecting an unreachable worker before fanning out sub-requests
// to it. HTTPChecker and ExecChecker are kept as general
// building blocks — e.g. a future HTTP metrics/health endpoint check, or an
// exec check against a worker-local command — but neither is wired into an
// ingest-domain caller yet.
//
// pkg/metrics also defines a health registry (HealthChecker,
// RegisterComponent, GetReadiness): that one tracks named component
// liveness for an HTTP readiness endpoint and is independent of the
// per-target Checker implementations in this package.
package health
