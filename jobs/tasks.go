package jobs

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskPermissionsBaseline applies a role's baseline grants to one user.
	TaskPermissionsBaseline = "permissions:baseline"
	// TaskPermissionsCatalogSync reloads the in-memory catalog from storage.
	TaskPermissionsCatalogSync = "permissions:catalog_sync"
)

// BaselinePayload identifies the user and role a baseline run targets.
type BaselinePayload struct {
	UserID    uuid.UUID     `json:"user_id"`
	Role      string        `json:"role"`
	GrantedBy uuid.NullUUID `json:"granted_by"`
}

// Validate rejects payloads that cannot be processed.
func (p BaselinePayload) Validate() error {
	if p.UserID == uuid.Nil {
		return errors.New("baseline payload: user_id required")
	}
	if p.Role == "" {
		return errors.New("baseline payload: role required")
	}
	return nil
}

// NewBaselineTask constructs an Asynq task for a role baseline run.
func NewBaselineTask(payload BaselinePayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermissionsBaseline, data), nil
}

// NewCatalogSyncTask constructs the periodic catalog reload task.
func NewCatalogSyncTask() *asynq.Task {
	return asynq.NewTask(TaskPermissionsCatalogSync, nil)
}
