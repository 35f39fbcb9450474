package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
)

// MemoryStore is an in-memory Store. Values are deep-copied on the way in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu           sync.RWMutex
	skills       map[string]*core.Skill
	clusters     map[string]*core.Cluster
	arms         map[string]*core.Arm
	evaluations  map[string]*core.Evaluation
	runs         map[string]*core.EvaluationRun
	outputs      map[string]*core.LogOutput
	outputByPair map[string]string
	logs         map[string]*core.Log
	assocs       map[string]*core.ArmRunAssociation
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		skills:       make(map[string]*core.Skill),
		clusters:     make(map[string]*core.Cluster),
		arms:         make(map[string]*core.Arm),
		evaluations:  make(map[string]*core.Evaluation),
		runs:         make(map[string]*core.EvaluationRun),
		outputs:      make(map[string]*core.LogOutput),
		outputByPair: make(map[string]string),
		logs:         make(map[string]*core.Log),
		assocs:       make(map[string]*core.ArmRunAssociation),
	}
}

func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("storage: clone %T: %v", v, err))
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("storage: clone %T: %v", v, err))
	}
	return out
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func (m *MemoryStore) CreateSkill(ctx context.Context, skill *core.Skill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.skills[skill.ID]; ok {
		return fmt.Errorf("skill %s: %w", skill.ID, ErrAlreadyExists)
	}
	m.skills[skill.ID] = clone(skill)
	return nil
}

func (m *MemoryStore) GetSkill(ctx context.Context, id string) (*core.Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.skills[id]
	if !ok {
		return nil, fmt.Errorf("skill %s: %w", id, ErrNotFound)
	}
	return clone(s), nil
}

func (m *MemoryStore) UpdateSkill(ctx context.Context, skill *core.Skill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.skills[skill.ID]; !ok {
		return fmt.Errorf("skill %s: %w", skill.ID, ErrNotFound)
	}
	skill.UpdatedAt = time.Now()
	m.skills[skill.ID] = clone(skill)
	return nil
}

func (m *MemoryStore) IncrementSkillRequests(ctx context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.skills[id]
	if !ok {
		return 0, fmt.Errorf("skill %s: %w", id, ErrNotFound)
	}
	s.RequestCount++
	return s.RequestCount, nil
}

func (m *MemoryStore) CreateCluster(ctx context.Context, cluster *core.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clusters[cluster.ID]; ok {
		return fmt.Errorf("cluster %s: %w", cluster.ID, ErrAlreadyExists)
	}
	m.clusters[cluster.ID] = clone(cluster)
	return nil
}

func (m *MemoryStore) GetCluster(ctx context.Context, id string) (*core.Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clusters[id]
	if !ok {
		return nil, fmt.Errorf("cluster %s: %w", id, ErrNotFound)
	}
	return clone(c), nil
}

func (m *MemoryStore) UpdateCluster(ctx context.Context, cluster *core.Cluster) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clusters[cluster.ID]; !ok {
		return fmt.Errorf("cluster %s: %w", cluster.ID, ErrNotFound)
	}
	m.clusters[cluster.ID] = clone(cluster)
	return nil
}

func (m *MemoryStore) ListClusters(ctx context.Context, skillID string) ([]*core.Cluster, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Cluster
	for _, c := range m.clusters {
		if c.SkillID == skillID {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateArm(ctx context.Context, arm *core.Arm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.arms[arm.ID]; ok {
		return fmt.Errorf("arm %s: %w", arm.ID, ErrAlreadyExists)
	}
	m.arms[arm.ID] = clone(arm)
	return nil
}

func (m *MemoryStore) GetArm(ctx context.Context, id string) (*core.Arm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.arms[id]
	if !ok {
		return nil, fmt.Errorf("arm %s: %w", id, ErrNotFound)
	}
	return clone(a), nil
}

func (m *MemoryStore) UpdateArm(ctx context.Context, arm *core.Arm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.arms[arm.ID]; !ok {
		return fmt.Errorf("arm %s: %w", arm.ID, ErrNotFound)
	}
	m.arms[arm.ID] = clone(arm)
	return nil
}

func (m *MemoryStore) ListArms(ctx context.Context, skillID, clusterID string, includeRetired bool) ([]*core.Arm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Arm
	for _, a := range m.arms {
		if a.SkillID != skillID || a.ClusterID != clusterID {
			continue
		}
		if !includeRetired && !a.Active() {
			continue
		}
		out = append(out, clone(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateEvaluation(ctx context.Context, evaluation *core.Evaluation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.evaluations[evaluation.ID]; ok {
		return fmt.Errorf("evaluation %s: %w", evaluation.ID, ErrAlreadyExists)
	}
	m.evaluations[evaluation.ID] = clone(evaluation)
	return nil
}

func (m *MemoryStore) GetEvaluation(ctx context.Context, id string) (*core.Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.evaluations[id]
	if !ok {
		return nil, fmt.Errorf("evaluation %s: %w", id, ErrNotFound)
	}
	return clone(e), nil
}

func (m *MemoryStore) ListEvaluations(ctx context.Context, skillID string) ([]*core.Evaluation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Evaluation
	for _, e := range m.evaluations {
		if e.SkillID == skillID {
			out = append(out, clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *core.EvaluationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrAlreadyExists)
	}
	m.runs[run.ID] = clone(run)
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id string) (*core.EvaluationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return clone(r), nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, run *core.EvaluationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	m.runs[run.ID] = clone(run)
	return nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, evaluationID string) ([]*core.EvaluationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.EvaluationRun
	for _, r := range m.runs {
		if r.EvaluationID == evaluationID {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) CreateLogOutput(ctx context.Context, output *core.LogOutput) (*core.LogOutput, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(output.LogID, output.RunID)
	if id, ok := m.outputByPair[key]; ok {
		return clone(m.outputs[id]), false, nil
	}
	if _, ok := m.outputs[output.ID]; ok {
		return nil, false, fmt.Errorf("log output %s: %w", output.ID, ErrAlreadyExists)
	}
	m.outputs[output.ID] = clone(output)
	m.outputByPair[key] = output.ID
	return clone(output), true, nil
}

func (m *MemoryStore) ListLogOutputs(ctx context.Context, runID string) ([]*core.LogOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.LogOutput
	for _, o := range m.outputs {
		if o.RunID == runID {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) CreateLog(ctx context.Context, log *core.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.logs[log.ID]; ok {
		return fmt.Errorf("log %s: %w", log.ID, ErrAlreadyExists)
	}
	m.logs[log.ID] = clone(log)
	return nil
}

func (m *MemoryStore) GetLog(ctx context.Context, id string) (*core.Log, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, fmt.Errorf("log %s: %w", id, ErrNotFound)
	}
	return clone(l), nil
}

func (m *MemoryStore) ListDatasetLogs(ctx context.Context, datasetID, skillID string) ([]*core.Log, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Log
	for _, l := range m.logs {
		if !l.InDataset(datasetID) {
			continue
		}
		if skillID != "" && l.SkillID != skillID {
			continue
		}
		out = append(out, clone(l))
	}
	sortLogs(out)
	return out, nil
}

func (m *MemoryStore) ListSkillLogs(ctx context.Context, skillID string, limit int) ([]*core.Log, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Log
	for _, l := range m.logs {
		if l.SkillID == skillID && len(l.Embedding) > 0 {
			out = append(out, clone(l))
		}
	}
	sortLogs(out)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func sortLogs(logs []*core.Log) {
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].CreatedAt.Equal(logs[j].CreatedAt) {
			return logs[i].ID < logs[j].ID
		}
		return logs[i].CreatedAt.Before(logs[j].CreatedAt)
	})
}

func (m *MemoryStore) SaveArmRunAssociation(ctx context.Context, assoc *core.ArmRunAssociation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(assoc.ArmID, assoc.LogID)
	if _, ok := m.assocs[key]; ok {
		return false, nil
	}
	m.assocs[key] = clone(assoc)
	return true, nil
}

func (m *MemoryStore) FindArmRunAssociation(ctx context.Context, armID, logID string) (*core.ArmRunAssociation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assocs[pairKey(armID, logID)]
	if !ok {
		return nil, fmt.Errorf("association %s/%s: %w", armID, logID, ErrNotFound)
	}
	return clone(a), nil
}

func (m *MemoryStore) Close() error {
	return nil
}
