// Package config holds the recognized configuration keys for the
// coordinator and worker processes: flat structs with documented defaults,
// optionally merged from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Coordinator holds configuration recognized by the coordinator process.
type Coordinator struct {
	// IngestPriorityLevel tags fan-out jobs for scheduling priority at the
	// controller. "normal" unless overridden.
	IngestPriorityLevel string `yaml:"ingest-priority-level"`

	// JobMonitorIntervalSec is the polling interval, in seconds, at which a
	// fan-out job's wait() loop snapshots progress into the transaction
	// event log.
	JobMonitorIntervalSec int `yaml:"ingest-job-monitor-ival-sec"`

	// NumDirectorIndexConnections bounds the coordinator-side loader thread
	// pool for the director-index job (§4.8 loader phase).
	NumDirectorIndexConnections int `yaml:"num-director-index-connections"`
}

// DefaultCoordinator returns the documented defaults.
func DefaultCoordinator() Coordinator {
	return Coordinator{
		IngestPriorityLevel:         "normal",
		JobMonitorIntervalSec:       5,
		NumDirectorIndexConnections: 4,
	}
}

// Worker holds configuration recognized by a worker process.
type Worker struct {
	NumSvcProcessingThreads        int    `yaml:"num-svc-processing-threads"`
	LoaderTmpDir                   string `yaml:"loader-tmp-dir"`
	LoaderMaxWarnings              int    `yaml:"loader-max-warnings"`
	IngestCharsetName              string `yaml:"ingest-charset-name"`
	AsyncLoaderCleanupOnResume     bool   `yaml:"async-loader-cleanup-on-resume"`
	AsyncLoaderAutoResume          bool   `yaml:"async-loader-auto-resume"`
	NumAsyncLoaderProcessingThreads int   `yaml:"num-async-loader-processing-threads"`
	HTTPLoaderPort                 int    `yaml:"http-loader-port"`
	NumHTTPLoaderProcessingThreads int    `yaml:"num-http-loader-processing-threads"`
	HTTPMaxQueuedRequests          int    `yaml:"http-max-queued-requests"`
}

// DefaultWorker returns the documented defaults.
func DefaultWorker() Worker {
	return Worker{
		NumSvcProcessingThreads:         4,
		LoaderTmpDir:                    "/tmp/qserv-ingest",
		LoaderMaxWarnings:               64,
		IngestCharsetName:               "latin1",
		AsyncLoaderCleanupOnResume:      true,
		AsyncLoaderAutoResume:           true,
		NumAsyncLoaderProcessingThreads: 2,
		HTTPLoaderPort:                  25004,
		NumHTTPLoaderProcessingThreads:  2,
		HTTPMaxQueuedRequests:           512,
	}
}

// Load reads and merges YAML configuration from path on top of defaults.
func Load(path string, coordinator *Coordinator, worker *Worker) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	doc := struct {
		Coordinator *Coordinator `yaml:"coordinator"`
		Worker      *Worker      `yaml:"worker"`
	}{Coordinator: coordinator, Worker: worker}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}
