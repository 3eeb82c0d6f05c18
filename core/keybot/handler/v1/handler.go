package v1

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/gorilla/mux"
	"github.com/odpf/salt/log"

	"github.com/odpf/kleidi/core/keybot"
	"github.com/odpf/kleidi/core/keybot/service"
	"github.com/odpf/kleidi/internal/errors"
)

const (
	HeaderOwner = "X-Kleidi-Owner"

	maxUploadBytes      = 32 << 20
	maxRequestBodyBytes = 1 << 20
	maxServiceName      = 64
)

type KeybotService interface {
	CreateService(ctx context.Context, ownerID, name string) (keybot.Response, error)
	GetService(ctx context.Context, actor, serviceID string) (*keybot.Service, error)
	ListServices(ctx context.Context, actor string) ([]*keybot.Service, error)
	UpdateCredentials(ctx context.Context, actor, serviceID string, in *keybot.Credentials) (keybot.Response, error)
	CredentialsInfo(ctx context.Context, actor, serviceID string) (*keybot.CredentialsInfo, error)
	Deploy(ctx context.Context, actor, serviceID string) (keybot.Response, error)
	PingStatus(ctx context.Context, actor, serviceID string) (keybot.Response, error)
	UploadResource(ctx context.Context, actor, serviceID string, req service.UploadRequest, content io.Reader) (keybot.Response, error)
	DeleteResource(ctx context.Context, actor, serviceID, path string) (keybot.Response, error)
	ListResources(ctx context.Context, actor, serviceID string) ([]keybot.CustomResource, error)
	TaskStatus(ctx context.Context, taskID string) (keybot.Task, error)
	CurrentVersion(ctx context.Context) string
}

type KeybotHandler struct {
	l       log.Logger
	service KeybotService
	version string
}

type createServiceRequest struct {
	Name string `json:"name"`
}

func (r createServiceRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.RuneLength(1, maxServiceName)),
	)
}

type credentialsRequest struct {
	Production    *bool   `json:"production"`
	SessionSecret *string `json:"sessionSecret"`
	MongoURL      *string `json:"mongoUrl"`
	DiscordToken  *string `json:"discordToken"`
	EncryptionKey *string `json:"encryptionKey"`
}

func (r credentialsRequest) toCredentials() *keybot.Credentials {
	return &keybot.Credentials{
		Production:    r.Production,
		SessionSecret: r.SessionSecret,
		MongoURL:      r.MongoURL,
		DiscordToken:  r.DiscordToken,
		EncryptionKey: r.EncryptionKey,
	}
}

// RegisterRoutes mounts every keybot route on router, requests without an
// owner header are rejected before they reach a handler
func (h *KeybotHandler) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/version", h.Version).Methods(http.MethodGet)

	owned := api.NewRoute().Subrouter()
	owned.Use(requireOwner)
	owned.HandleFunc("/services", h.CreateService).Methods(http.MethodPost)
	owned.HandleFunc("/services", h.ListServices).Methods(http.MethodGet)
	owned.HandleFunc("/services/{id}", h.GetService).Methods(http.MethodGet)
	owned.HandleFunc("/services/{id}/credentials", h.UpdateCredentials).Methods(http.MethodPut)
	owned.HandleFunc("/services/{id}/credentials", h.CredentialsInfo).Methods(http.MethodGet)
	owned.HandleFunc("/services/{id}/deploy", h.Deploy).Methods(http.MethodPost)
	owned.HandleFunc("/services/{id}/ping", h.PingStatus).Methods(http.MethodPost)
	owned.HandleFunc("/services/{id}/resources", h.ListResources).Methods(http.MethodGet)
	owned.HandleFunc("/services/{id}/resources/{path:.+}", h.UploadResource).Methods(http.MethodPut)
	owned.HandleFunc("/services/{id}/resources/{path:.+}", h.DeleteResource).Methods(http.MethodDelete)
	owned.HandleFunc("/tasks/{id}", h.TaskStatus).Methods(http.MethodGet)
}

func (h *KeybotHandler) CreateService(w http.ResponseWriter, r *http.Request) {
	var req createServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusOK, keybot.Failed(err.Error()))
		return
	}

	resp, err := h.service.CreateService(r.Context(), actor(r), req.Name)
	writeEnvelope(w, resp, err)
}

func (h *KeybotHandler) ListServices(w http.ResponseWriter, r *http.Request) {
	services, err := h.service.ListServices(r.Context(), actor(r))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make([]ServiceResponse, 0, len(services))
	for _, svc := range services {
		resp = append(resp, toServiceResponse(svc))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *KeybotHandler) GetService(w http.ResponseWriter, r *http.Request) {
	svc, err := h.service.GetService(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toServiceResponse(svc))
}

func (h *KeybotHandler) UpdateCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.service.UpdateCredentials(r.Context(), actor(r), mux.Vars(r)["id"], req.toCredentials())
	writeEnvelope(w, resp, err)
}

func (h *KeybotHandler) CredentialsInfo(w http.ResponseWriter, r *http.Request) {
	info, err := h.service.CredentialsInfo(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCredentialsInfoResponse(info))
}

func (h *KeybotHandler) Deploy(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.Deploy(r.Context(), actor(r), mux.Vars(r)["id"])
	writeEnvelope(w, resp, err)
}

func (h *KeybotHandler) PingStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := h.service.PingStatus(r.Context(), actor(r), mux.Vars(r)["id"])
	writeEnvelope(w, resp, err)
}

func (h *KeybotHandler) ListResources(w http.ResponseWriter, r *http.Request) {
	resources, err := h.service.ListResources(r.Context(), actor(r), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}

	resp := make([]ResourceResponse, 0, len(resources))
	for _, res := range resources {
		resp = append(resp, toResourceResponse(res))
	}
	writeJSON(w, http.StatusOK, resp)
}

// UploadResource stores the raw request body, the resource type and view
// path come from the query string
func (h *KeybotHandler) UploadResource(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	query := r.URL.Query()

	req := service.UploadRequest{
		Path:        vars["path"],
		Type:        keybot.ResourceType(query.Get("type")),
		ContentType: r.Header.Get("Content-Type"),
	}
	if viewPath := query.Get("view_path"); viewPath != "" {
		req.ViewPath = &viewPath
	}

	body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
	defer body.Close()

	resp, err := h.service.UploadResource(r.Context(), actor(r), vars["id"], req, body)
	writeEnvelope(w, resp, err)
}

func (h *KeybotHandler) DeleteResource(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	resp, err := h.service.DeleteResource(r.Context(), actor(r), vars["id"], vars["path"])
	writeEnvelope(w, resp, err)
}

func (h *KeybotHandler) TaskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := h.service.TaskStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskResponse(task))
}

func (h *KeybotHandler) Version(w http.ResponseWriter, r *http.Request) {
	h.l.Debug("client requested version")
	writeJSON(w, http.StatusOK, VersionResponse{
		Server: h.version,
		Keybot: h.service.CurrentVersion(r.Context()),
	})
}

func decodeJSON(r *http.Request, v interface{}) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return errors.InvalidArgument("request", "invalid request body: "+err.Error())
	}
	return nil
}

func actor(r *http.Request) string {
	return r.Header.Get(HeaderOwner)
}

func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor(r) == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing " + HeaderOwner + " header"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func NewKeybotHandler(l log.Logger, keybotService KeybotService, version string) *KeybotHandler {
	return &KeybotHandler{
		l:       l,
		service: keybotService,
		version: version,
	}
}
