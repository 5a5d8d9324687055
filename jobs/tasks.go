package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskReconRun is the task type for a scheduled reconciliation pass.
	TaskReconRun = "recon:run"
)

// ReconRunPayload describes which slice of the ledger a scheduled pass covers.
type ReconRunPayload struct {
	Scope string `json:"scope"`
}

// NewReconRunTask constructs an Asynq task for a reconciliation pass.
func NewReconRunTask(payload ReconRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconRun, data), nil
}
