/*
Package metrics provides Prometheus metrics collection and exposition for
the ingest coordinator and worker processes.

Metrics are registered at package init and exposed over HTTP via Handler()
for scraping by a Prometheus server.

# Metrics Catalog

Transaction and contribution state:

	qserv_ingest_transactions_total{state}      Gauge
	qserv_ingest_contributions_total{status}    Gauge

Request manager queue depths:

	qserv_ingest_reqmgr_queue_depth{database,queue}   Gauge
	qserv_ingest_reqmgr_admissions_total{database}    Counter

Fan-out jobs (abort-transaction, director-index):

	qserv_ingest_fanout_sub_requests_total{job,worker,status}   Counter
	qserv_ingest_fanout_job_duration_seconds{job}               Histogram

Per-worker file service:

	qserv_ingest_filesvc_load_duration_seconds   Histogram
	qserv_ingest_filesvc_rows_loaded_total       Counter

Transaction lifecycle:

	qserv_ingest_transaction_duration_seconds{outcome}   Histogram

# Usage

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDurationVec(metrics.FanoutJobDuration, "abort-transaction")

	http.Handle("/metrics", metrics.Handler())

# Collector

Collector (collector.go) polls a store.Store and the live set of per-
database reqmgr.Manager instances every 15 seconds and republishes the
results as the gauges above.

# Component health

health.go carries a generic in-memory component health registry
(RegisterComponent/UpdateComponent/GetHealth), served over HTTP by
HealthHandler, ReadyHandler, and LivenessHandler, independent of the
metrics catalog above.
*/
package metrics
