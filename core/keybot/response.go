package keybot

const (
	ResponseOK     = 0
	ResponseFailed = 1
)

// Response is the envelope every exposed operation answers with. A user
// facing failure has Status 1 and Error set, it is never a fault.
type Response struct {
	Status     int    `json:"status"`
	ResourceID string `json:"resourceId,omitempty"`
	TaskID     string `json:"taskId,omitempty"`
	Message    string `json:"message,omitempty"`
	Error      string `json:"error,omitempty"`
}

func OK(resourceID, message string) Response {
	return Response{Status: ResponseOK, ResourceID: resourceID, Message: message}
}

func Failed(msg string) Response {
	return Response{Status: ResponseFailed, Error: msg}
}

func (r Response) WithTask(taskID string) Response {
	r.TaskID = taskID
	return r
}

func (r Response) Failed() bool {
	return r.Status == ResponseFailed
}
