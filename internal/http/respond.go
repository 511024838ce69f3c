package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/splax/docket/internal/docker"
	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/repository"
	"github.com/splax/docket/internal/service/lifecycle"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps lifecycle and store errors onto HTTP status codes.
func statusFor(err error) int {
	var bindErr *lifecycle.PortBindError
	var createErr *lifecycle.CreationError
	switch {
	case errors.Is(err, lifecycle.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, docker.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repository.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &bindErr):
		return http.StatusServiceUnavailable
	case errors.As(err, &createErr):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type deploymentView struct {
	Subdomain      string                `json:"subdomain"`
	Port           int                   `json:"port"`
	ContainerPort  int                   `json:"container_port"`
	OwnerID        string                `json:"owner_id,omitempty"`
	DeploymentType domain.DeploymentType `json:"type"`
	State          domain.State          `json:"state"`
	ContainerRef   string                `json:"container_ref"`
	ImageRef       string                `json:"image"`
	EnvKeys        []string              `json:"env_keys,omitempty"`
	Command        []string              `json:"command,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	ExpiresAt      *time.Time            `json:"expires_at,omitempty"`
}

func viewOf(record domain.MappingRecord) deploymentView {
	view := deploymentView{
		Subdomain:      record.Subdomain,
		Port:           record.Port,
		ContainerPort:  record.ContainerPort,
		OwnerID:        record.OwnerID,
		DeploymentType: record.DeploymentType,
		State:          record.State,
		ContainerRef:   record.ContainerRef,
		ImageRef:       record.ImageRef,
		Command:        record.Command,
		CreatedAt:      record.CreatedAt,
		ExpiresAt:      record.ExpiresAt,
	}
	for key := range record.Env {
		view.EnvKeys = append(view.EnvKeys, key)
	}
	sort.Strings(view.EnvKeys)
	return view
}
