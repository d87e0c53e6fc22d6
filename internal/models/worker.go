package models

import "time"

// WorkerKind identifies how a worker was launched.
type WorkerKind string

const (
	WorkerProcess   WorkerKind = "process"
	WorkerContainer WorkerKind = "container"
	WorkerSandbox   WorkerKind = "sandbox"
)

// WorkerHandle tracks a running worker. It lives only in memory and is
// recreated on every manager start.
type WorkerHandle struct {
	DatasetID string     `json:"dataset_id"`
	Kind      WorkerKind `json:"kind"`
	// Ref is the pid for processes or the runtime identifier for containers.
	Ref       string    `json:"ref"`
	Endpoint  string    `json:"endpoint"`
	StartedAt time.Time `json:"started_at"`
}

// RuntimeState holds the counters a worker keeps while ingesting.
type RuntimeState struct {
	CreationTime   time.Time `json:"creation_time"`
	LastUpdate     time.Time `json:"last_update"`
	BatchCounter   int64     `json:"batch_counter"`
	RecordsCounter int64     `json:"records_counter"`
	FailedBatches  int64     `json:"failed_batches"`
	DroppedRecords int64     `json:"dropped_records"`
	// PendingRecords is the size of the batch buffer not yet handed to the writer.
	PendingRecords int       `json:"pending_records"`
	Flows          int64     `json:"flows"`
	CurrentFlow    string    `json:"current_flow,omitempty"`
}
