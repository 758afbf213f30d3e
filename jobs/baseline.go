package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/k9ops/k9ops/internal/jobs"
)

// BaselineApplier grants the baseline permissions of a role. rbac.Service
// satisfies it.
type BaselineApplier interface {
	ApplyBaseline(ctx context.Context, userID uuid.UUID, role string, actor uuid.NullUUID) (int, error)
}

// BaselineJob processes TaskPermissionsBaseline tasks.
type BaselineJob struct {
	Applier BaselineApplier
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewBaselineJob initialises the baseline handler.
func NewBaselineJob(applier BaselineApplier, logger *slog.Logger, metrics *jobmetrics.Metrics) *BaselineJob {
	return &BaselineJob{Applier: applier, Logger: logger, Metrics: metrics}
}

// Handle decodes the payload and applies the baseline. Malformed payloads are
// not retried.
func (j *BaselineJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Applier == nil {
		return errors.New("baseline: handler not configured")
	}
	tracker := j.Metrics.Track(TaskPermissionsBaseline)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	var payload BaselinePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("baseline: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := payload.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	logger := j.logger().With(
		slog.String("user_id", payload.UserID.String()),
		slog.String("role", payload.Role),
	)
	granted, err := j.Applier.ApplyBaseline(ctx, payload.UserID, payload.Role, payload.GrantedBy)
	if err != nil {
		logger.Error("apply baseline", slog.Any("error", err))
		return err
	}
	j.Metrics.AddBaselineGrants(payload.Role, granted)
	logger.Info("baseline applied", slog.Int("granted", granted))
	return nil
}

func (j *BaselineJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// CatalogReloader refreshes the in-memory permission catalog.
type CatalogReloader interface {
	ReloadCatalog(ctx context.Context) error
}

// CatalogSyncJob keeps long-running processes in step with catalog edits made
// elsewhere.
type CatalogSyncJob struct {
	Reloader CatalogReloader
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// Handle reloads the catalog.
func (j *CatalogSyncJob) Handle(ctx context.Context, _ *asynq.Task) error {
	if j == nil || j.Reloader == nil {
		return errors.New("catalog sync: handler not configured")
	}
	tracker := j.Metrics.Track(TaskPermissionsCatalogSync)
	err := j.Reloader.ReloadCatalog(ctx)
	if err != nil && j.Logger != nil {
		j.Logger.Error("reload catalog", slog.Any("error", err))
	}
	return tracker.End(err)
}
