package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when creating an entity whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the persistence collaborator. Every operation is atomic for a
// single entity; nothing is transactional across entities.
type Store interface {
	CreateSkill(ctx context.Context, skill *core.Skill) error
	GetSkill(ctx context.Context, id string) (*core.Skill, error)
	UpdateSkill(ctx context.Context, skill *core.Skill) error
	// IncrementSkillRequests atomically bumps the request counter and returns the new value.
	IncrementSkillRequests(ctx context.Context, id string) (int64, error)

	CreateCluster(ctx context.Context, cluster *core.Cluster) error
	GetCluster(ctx context.Context, id string) (*core.Cluster, error)
	UpdateCluster(ctx context.Context, cluster *core.Cluster) error
	ListClusters(ctx context.Context, skillID string) ([]*core.Cluster, error)

	CreateArm(ctx context.Context, arm *core.Arm) error
	GetArm(ctx context.Context, id string) (*core.Arm, error)
	UpdateArm(ctx context.Context, arm *core.Arm) error
	// ListArms returns the arms of a cluster. Retired arms are included only on request.
	ListArms(ctx context.Context, skillID, clusterID string, includeRetired bool) ([]*core.Arm, error)

	CreateEvaluation(ctx context.Context, evaluation *core.Evaluation) error
	GetEvaluation(ctx context.Context, id string) (*core.Evaluation, error)
	ListEvaluations(ctx context.Context, skillID string) ([]*core.Evaluation, error)

	CreateRun(ctx context.Context, run *core.EvaluationRun) error
	GetRun(ctx context.Context, id string) (*core.EvaluationRun, error)
	UpdateRun(ctx context.Context, run *core.EvaluationRun) error
	ListRuns(ctx context.Context, evaluationID string) ([]*core.EvaluationRun, error)

	// CreateLogOutput stores the output unless one already exists for the
	// same (log, run) pair, in which case the existing output is returned
	// with created=false.
	CreateLogOutput(ctx context.Context, output *core.LogOutput) (stored *core.LogOutput, created bool, err error)
	ListLogOutputs(ctx context.Context, runID string) ([]*core.LogOutput, error)

	CreateLog(ctx context.Context, log *core.Log) error
	GetLog(ctx context.Context, id string) (*core.Log, error)
	// ListDatasetLogs returns the logs of a dataset, optionally narrowed to one skill.
	ListDatasetLogs(ctx context.Context, datasetID, skillID string) ([]*core.Log, error)
	// ListSkillLogs returns the logs of a skill that carry an embedding.
	ListSkillLogs(ctx context.Context, skillID string, limit int) ([]*core.Log, error)

	// SaveArmRunAssociation records a reward application. created=false means
	// the (arm, log) pair was already recorded.
	SaveArmRunAssociation(ctx context.Context, assoc *core.ArmRunAssociation) (created bool, err error)
	FindArmRunAssociation(ctx context.Context, armID, logID string) (*core.ArmRunAssociation, error)

	Close() error
}

// Open builds a Store for the configured driver ("memory" or "sqlite").
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		return NewSQLiteStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}
