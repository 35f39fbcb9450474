package core

import (
	"encoding/json"
	"time"
)

// Skill is a named capability of an agent that the optimizer tunes.
type Skill struct {
	ID                  string        `json:"id"`
	AgentID             string        `json:"agent_id"`
	Name                string        `json:"name"`
	Description         string        `json:"description,omitempty"`
	SystemPrompt        string        `json:"system_prompt,omitempty"`
	OptimizationEnabled bool          `json:"optimization_enabled"`
	MinPullsPerArm      int           `json:"min_pulls_per_arm"`
	ClusteringInterval  time.Duration `json:"clustering_interval"`
	LastClusteredAt     time.Time     `json:"last_clustered_at,omitempty"`
	RequestCount        int64         `json:"request_count"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// Cluster is a context bucket of a skill. Centroid moves incrementally.
type Cluster struct {
	ID         string    `json:"id"`
	SkillID    string    `json:"skill_id"`
	Centroid   []float64 `json:"centroid"`
	TotalSteps int64     `json:"total_steps"`
	MergedInto string    `json:"merged_into,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Active reports whether the cluster still receives assignments.
func (c *Cluster) Active() bool {
	return c.MergedInto == ""
}

// ParamRange is an inclusive [min, max] range sampled at dispatch time.
type ParamRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether v lies inside the range.
func (r ParamRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// ArmParams holds the sampling ranges of an arm. Nil ranges are left to the provider default.
type ArmParams struct {
	Temperature      *ParamRange `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP             *ParamRange `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	TopK             *ParamRange `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	FrequencyPenalty *ParamRange `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	PresencePenalty  *ParamRange `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`
	ThinkingBudget   *ParamRange `json:"thinking_budget,omitempty" yaml:"thinking_budget,omitempty"`
}

// ArmStats is the Welford accumulator of an arm's rewards.
// N2 is the sum of squared deviations (M2), not the variance.
type ArmStats struct {
	N           int64   `json:"n"`
	Mean        float64 `json:"mean"`
	N2          float64 `json:"n2"`
	TotalReward float64 `json:"total_reward"`
}

// ArmStatus marks whether an arm is still selectable.
type ArmStatus string

const (
	ArmStatusActive  ArmStatus = "active"
	ArmStatusRetired ArmStatus = "retired"
)

// Arm is one concrete configuration: a system prompt plus parameter ranges.
type Arm struct {
	ID           string    `json:"id"`
	SkillID      string    `json:"skill_id"`
	ClusterID    string    `json:"cluster_id"`
	SystemPrompt string    `json:"system_prompt"`
	Params       ArmParams `json:"params"`
	Stats        ArmStats  `json:"stats"`
	Status       ArmStatus `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Active reports whether the arm can still be selected.
func (a *Arm) Active() bool {
	return a.Status == "" || a.Status == ArmStatusActive
}

// Evaluation is an evaluator configured on a skill.
type Evaluation struct {
	ID         string         `json:"id"`
	SkillID    string         `json:"skill_id"`
	Name       string         `json:"name,omitempty"`
	Method     string         `json:"method"`
	Parameters map[string]any `json:"parameters"`
	CreatedAt  time.Time      `json:"created_at"`
}

// RunStatus is the lifecycle of an evaluation run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// RunResults is the persisted aggregate of a run.
type RunResults struct {
	AverageScore  float64  `json:"average_score"`
	TotalLogs     int      `json:"total_logs"`
	PassedCount   int      `json:"passed_count"`
	FailedCount   int      `json:"failed_count"`
	ThresholdUsed float64  `json:"threshold_used"`
	MinScore      *float64 `json:"min_score,omitempty"`
	MaxScore      *float64 `json:"max_score,omitempty"`
	MedianScore   *float64 `json:"median_score,omitempty"`
}

// EvaluationRun is one execution of an Evaluation over a dataset or single logs.
// Realtime runs stay open and collect single-log outputs from live traffic.
type EvaluationRun struct {
	ID           string      `json:"id"`
	EvaluationID string      `json:"evaluation_id"`
	DatasetID    string      `json:"dataset_id,omitempty"`
	AgentID      string      `json:"agent_id,omitempty"`
	SkillID      string      `json:"skill_id"`
	Status       RunStatus   `json:"status"`
	Results      *RunResults `json:"results,omitempty"`
	OutputIDs    []string    `json:"output_ids"`
	Error        string      `json:"error,omitempty"`
	Realtime     bool        `json:"realtime,omitempty"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// LogOutput is one judged log within a run. Immutable once created.
type LogOutput struct {
	ID              string         `json:"id"`
	LogID           string         `json:"log_id"`
	RunID           string         `json:"run_id"`
	Output          map[string]any `json:"output"`
	Score           float64        `json:"score"`
	Passed          bool           `json:"passed"`
	Reasoning       string         `json:"reasoning,omitempty"`
	ExecutionTimeMS int64          `json:"execution_time_ms"`
	Error           bool           `json:"error"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Log is one captured request/response cycle.
type Log struct {
	ID           string          `json:"id"`
	SkillID      string          `json:"skill_id,omitempty"`
	AgentID      string          `json:"agent_id,omitempty"`
	DatasetIDs   []string        `json:"dataset_ids,omitempty"`
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Function     string          `json:"function"`
	StatusCode   int             `json:"status_code"`
	Stream       bool            `json:"stream"`
	RequestBody  json.RawMessage `json:"request_body,omitempty"`
	ResponseBody json.RawMessage `json:"response_body,omitempty"`
	Embedding    []float64       `json:"embedding,omitempty"`
	ClusterID    string          `json:"cluster_id,omitempty"`
	ArmID        string          `json:"arm_id,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	FirstTokenAt *time.Time      `json:"first_token_at,omitempty"`
	EndedAt      time.Time       `json:"ended_at"`
	CreatedAt    time.Time       `json:"created_at"`
}

// InDataset reports whether the log is a member of the dataset.
func (l *Log) InDataset(datasetID string) bool {
	for _, id := range l.DatasetIDs {
		if id == datasetID {
			return true
		}
	}
	return false
}

// ArmRunAssociation records that a log's reward was applied to an arm.
type ArmRunAssociation struct {
	ArmID     string    `json:"arm_id"`
	LogID     string    `json:"log_id"`
	RunID     string    `json:"run_id,omitempty"`
	Reward    float64   `json:"reward"`
	CreatedAt time.Time `json:"created_at"`
}

// EventType names a broadcast notification.
type EventType string

const (
	EventLogCreated EventType = "log_created"
	EventArmUpdated EventType = "arm_updated"
)

// Event is delivered to every registered notification sink.
type Event struct {
	Type      EventType      `json:"type"`
	LogID     string         `json:"log_id,omitempty"`
	SkillID   string         `json:"skill_id,omitempty"`
	ArmID     string         `json:"arm_id,omitempty"`
	Reward    *float64       `json:"reward,omitempty"`
	Stats     *ArmStats      `json:"stats,omitempty"`
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
