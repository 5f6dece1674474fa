package ports

import "time"

// Policy bounds the mirror pipeline. The acquisition loop never waits on it:
// a full spool or queue drops the sample from the mirror only.
type Policy struct {
	MaxSpoolSizeBytes int64         `yaml:"max_spool_size_bytes"`
	MaxQueueLen       int           `yaml:"max_queue_len"`
	MaxBatchSize      int           `yaml:"max_batch_size"`
	IdleSleep         time.Duration `yaml:"idle_sleep"`
}
