package domain

import "time"

// DeploymentType governs whether a deployment expires on its own.
type DeploymentType string

const (
	DeploymentEphemeral  DeploymentType = "ephemeral"
	DeploymentPersistent DeploymentType = "persistent"
)

// Valid reports whether t is a known deployment type.
func (t DeploymentType) Valid() bool {
	return t == DeploymentEphemeral || t == DeploymentPersistent
}

// State is the lifecycle position of a deployment.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateRebooting State = "REBOOTING"
	StateRemoved   State = "REMOVED"
)

// MappingRecord associates a subdomain with the container and host port serving it.
type MappingRecord struct {
	Subdomain      string            `json:"subdomain"`
	Port           int               `json:"port"`
	ContainerPort  int               `json:"container_port"`
	OwnerID        string            `json:"owner_id"`
	DeploymentType DeploymentType    `json:"deployment_type"`
	State          State             `json:"state"`
	ContainerRef   string            `json:"container_ref"`
	ImageRef       string            `json:"image_ref"`
	Env            map[string]string `json:"env,omitempty"`
	Command        []string          `json:"command,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
}

// Ephemeral reports whether the record carries an expiry.
func (r MappingRecord) Ephemeral() bool {
	return r.DeploymentType == DeploymentEphemeral
}

// Expired reports whether an ephemeral record's expiry is at or before now.
func (r MappingRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}
