// Package ipc implements the local command surface a daemon process exposes
// over loopback HTTP (spec §6 "CLI surface (over local IPC to a single
// daemon process, request/response JSON)"), standing in for the excluded
// platform-specific named-pipe/unix-socket transport the original agent
// used between its CLI and its daemon.
package ipc

// Status is one of the response codes spec §6 enumerates for every IPC
// command.
type Status string

const (
	StatusSuccess            Status = "SUCCESS"
	StatusError              Status = "ERROR"
	StatusSubsystemUnset     Status = "SUBSYSTEM_UNSET"
	StatusProcessRunning     Status = "STATUS_PROCESS_RUNNING"
	StatusRegisteredAlready  Status = "STATUS_REGISTERED_ALREADY"
)

// Response is the envelope every command handler returns, JSON-encoded as
// the HTTP response body.
type Response struct {
	Status  Status      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

func ok(data interface{}) Response {
	return Response{Status: StatusSuccess, Data: data}
}

func errorResponse(err error) Response {
	return Response{Status: StatusError, Message: err.Error()}
}

func subsystemUnset(message string) Response {
	return Response{Status: StatusSubsystemUnset, Message: message}
}
