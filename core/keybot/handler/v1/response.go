package v1

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/odpf/kleidi/core/keybot"
	"github.com/odpf/kleidi/internal/errors"
)

const msgInternal = "Something went wrong. Please try again later."

type errorResponse struct {
	Error string `json:"error"`
}

type ServiceResponse struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	OwnerID                string     `json:"ownerId"`
	CloudProvider          string     `json:"cloudProvider"`
	Converged              bool       `json:"converged"`
	CurrentOperation       string     `json:"currentOperation"`
	CurrentOperationStatus string     `json:"currentOperationStatus"`
	CurrentVersion         *string    `json:"currentVersion,omitempty"`
	LastDeploy             *time.Time `json:"lastDeploy,omitempty"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

type CredentialsInfoResponse struct {
	ServiceID  string            `json:"serviceId"`
	Production *bool             `json:"production,omitempty"`
	Digests    map[string]string `json:"digests"`
	Missing    []string          `json:"missing"`
}

type ResourceResponse struct {
	Path        string    `json:"path"`
	FileName    string    `json:"fileName"`
	Type        string    `json:"type"`
	ViewPath    *string   `json:"viewPath,omitempty"`
	LastUpdated time.Time `json:"lastUpdated"`
}

type TaskResponse struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	ServiceID  string     `json:"serviceId"`
	State      string     `json:"state"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

type VersionResponse struct {
	Server string `json:"server"`
	Keybot string `json:"keybot"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError maps a domain error to its HTTP status, messages of internal
// and infrastructure errors are never shown
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errors.MapToHTTPStatus(err), errorResponse{Error: errors.UserMessage(err, msgInternal)})
}

// writeEnvelope answers with the operation envelope, a failed envelope is a
// user facing outcome and still returns 200
func writeEnvelope(w http.ResponseWriter, resp keybot.Response, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func toServiceResponse(svc *keybot.Service) ServiceResponse {
	return ServiceResponse{
		ID:                     svc.ID,
		Name:                   svc.Name,
		OwnerID:                svc.OwnerID,
		CloudProvider:          svc.CloudProvider.String(),
		Converged:              svc.IsConverged(),
		CurrentOperation:       svc.CurrentOperation.String(),
		CurrentOperationStatus: svc.CurrentOperationStatus,
		CurrentVersion:         svc.CurrentVersion,
		LastDeploy:             svc.LastDeploy,
		CreatedAt:              svc.CreatedAt,
		UpdatedAt:              svc.UpdatedAt,
	}
}

func toCredentialsInfoResponse(info *keybot.CredentialsInfo) CredentialsInfoResponse {
	missing := info.Missing
	if missing == nil {
		missing = []string{}
	}
	return CredentialsInfoResponse{
		ServiceID:  info.ServiceID,
		Production: info.Production,
		Digests:    info.Digests,
		Missing:    missing,
	}
}

func toResourceResponse(res keybot.CustomResource) ResourceResponse {
	return ResourceResponse{
		Path:        res.Path,
		FileName:    res.FileName,
		Type:        res.Type.String(),
		ViewPath:    res.ViewPath,
		LastUpdated: res.LastUpdated,
	}
}

func toTaskResponse(task keybot.Task) TaskResponse {
	return TaskResponse{
		ID:         task.ID,
		Kind:       task.Kind.String(),
		ServiceID:  task.ServiceID,
		State:      task.State.String(),
		Error:      task.Error,
		CreatedAt:  task.CreatedAt,
		StartedAt:  task.StartedAt,
		FinishedAt: task.FinishedAt,
	}
}
