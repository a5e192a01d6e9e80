package queue

import (
	"time"

	"github.com/amzn/acme-compliance-agent/internal/compliance/module"
)

// ExecutionRequest is a unit of work handed from the controller to an
// executor (spec §3 "ExecutionRequest"). ModuleSnapshot is always a deep
// copy; the executor never sees the registry's live module.
type ExecutionRequest struct {
	UUID           string
	ModuleSnapshot *module.Module
	Trigger        module.Trigger
	Action         module.Action
	Data           interface{}
	Date           time.Time
}

// QueueKey returns the tracking key for this request (spec §3
// `"<moduleId>.<trigger>"`).
func (r ExecutionRequest) QueueKey() string {
	return r.ModuleSnapshot.QueueKey(r.Trigger)
}

// ExecutionResponse is a unit of progress/result handed from an executor
// back to the controller (spec §3 "ExecutionResponse").
type ExecutionResponse struct {
	RequestUUID     string
	RequestQueueKey string
	ExecutionStatus module.ExecutionStatus
	ModuleSnapshot  *module.Module
}
