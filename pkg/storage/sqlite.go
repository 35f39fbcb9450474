package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/snow-ghost/skilltuner/pkg/router/core"
)

// SQLiteStore implements Store on SQLite. Each entity is stored as a JSON
// document next to the columns it is queried by.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and ensures the schema
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS skills (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		data TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS clusters (
		id TEXT PRIMARY KEY,
		skill_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_clusters_skill ON clusters(skill_id);

	CREATE TABLE IF NOT EXISTS arms (
		id TEXT PRIMARY KEY,
		skill_id TEXT NOT NULL,
		cluster_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_arms_cluster ON arms(skill_id, cluster_id);

	CREATE TABLE IF NOT EXISTS evaluations (
		id TEXT PRIMARY KEY,
		skill_id TEXT NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_skill ON evaluations(skill_id);

	CREATE TABLE IF NOT EXISTS evaluation_runs (
		id TEXT PRIMARY KEY,
		evaluation_id TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_evaluation ON evaluation_runs(evaluation_id);

	CREATE TABLE IF NOT EXISTS log_outputs (
		id TEXT PRIMARY KEY,
		log_id TEXT NOT NULL,
		run_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		data TEXT NOT NULL,
		UNIQUE (log_id, run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_outputs_run ON log_outputs(run_id);

	CREATE TABLE IF NOT EXISTS logs (
		id TEXT PRIMARY KEY,
		skill_id TEXT NOT NULL,
		has_embedding INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logs_skill ON logs(skill_id);

	CREATE TABLE IF NOT EXISTS log_datasets (
		log_id TEXT NOT NULL,
		dataset_id TEXT NOT NULL,
		PRIMARY KEY (log_id, dataset_id)
	);
	CREATE INDEX IF NOT EXISTS idx_log_datasets_dataset ON log_datasets(dataset_id);

	CREATE TABLE IF NOT EXISTS arm_run_associations (
		arm_id TEXT NOT NULL,
		log_id TEXT NOT NULL,
		data TEXT NOT NULL,
		PRIMARY KEY (arm_id, log_id)
	);
	`

	_, err := s.db.Exec(query)
	return err
}

func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}
	return string(data), nil
}

// exec runs a write and maps constraint and no-row outcomes onto the store's sentinels.
func (s *SQLiteStore) exec(ctx context.Context, what string, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to write %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func queryOne[T any](ctx context.Context, db *sql.DB, what string, query string, args ...any) (*T, error) {
	var data string
	if err := db.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}
	out := new(T)
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return out, nil
}

func queryMany[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		item := new(T)
		if err := json.Unmarshal([]byte(data), item); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateSkill(ctx context.Context, skill *core.Skill) error {
	data, err := encode(skill)
	if err != nil {
		return err
	}
	return s.exec(ctx, "skill "+skill.ID,
		`INSERT INTO skills (id, agent_id, data) VALUES (?, ?, ?)`,
		skill.ID, skill.AgentID, data)
}

func (s *SQLiteStore) GetSkill(ctx context.Context, id string) (*core.Skill, error) {
	return queryOne[core.Skill](ctx, s.db, "skill "+id, `SELECT data FROM skills WHERE id = ?`, id)
}

func (s *SQLiteStore) UpdateSkill(ctx context.Context, skill *core.Skill) error {
	skill.UpdatedAt = time.Now()
	data, err := encode(skill)
	if err != nil {
		return err
	}
	return s.exec(ctx, "skill "+skill.ID,
		`UPDATE skills SET agent_id = ?, data = ? WHERE id = ?`,
		skill.AgentID, data, skill.ID)
}

func (s *SQLiteStore) IncrementSkillRequests(ctx context.Context, id string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var data string
	if err := tx.QueryRowContext(ctx, `SELECT data FROM skills WHERE id = ?`, id).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("skill %s: %w", id, ErrNotFound)
		}
		return 0, fmt.Errorf("failed to read skill %s: %w", id, err)
	}
	var skill core.Skill
	if err := json.Unmarshal([]byte(data), &skill); err != nil {
		return 0, fmt.Errorf("failed to decode skill %s: %w", id, err)
	}
	skill.RequestCount++
	encoded, err := encode(&skill)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE skills SET data = ? WHERE id = ?`, encoded, id); err != nil {
		return 0, fmt.Errorf("failed to update skill %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return skill.RequestCount, nil
}

func (s *SQLiteStore) CreateCluster(ctx context.Context, cluster *core.Cluster) error {
	data, err := encode(cluster)
	if err != nil {
		return err
	}
	return s.exec(ctx, "cluster "+cluster.ID,
		`INSERT INTO clusters (id, skill_id, created_at, data) VALUES (?, ?, ?, ?)`,
		cluster.ID, cluster.SkillID, cluster.CreatedAt, data)
}

func (s *SQLiteStore) GetCluster(ctx context.Context, id string) (*core.Cluster, error) {
	return queryOne[core.Cluster](ctx, s.db, "cluster "+id, `SELECT data FROM clusters WHERE id = ?`, id)
}

func (s *SQLiteStore) UpdateCluster(ctx context.Context, cluster *core.Cluster) error {
	data, err := encode(cluster)
	if err != nil {
		return err
	}
	return s.exec(ctx, "cluster "+cluster.ID,
		`UPDATE clusters SET data = ? WHERE id = ?`, data, cluster.ID)
}

func (s *SQLiteStore) ListClusters(ctx context.Context, skillID string) ([]*core.Cluster, error) {
	return queryMany[core.Cluster](ctx, s.db,
		`SELECT data FROM clusters WHERE skill_id = ? ORDER BY created_at, id`, skillID)
}

func (s *SQLiteStore) CreateArm(ctx context.Context, arm *core.Arm) error {
	data, err := encode(arm)
	if err != nil {
		return err
	}
	return s.exec(ctx, "arm "+arm.ID,
		`INSERT INTO arms (id, skill_id, cluster_id, status, created_at, data) VALUES (?, ?, ?, ?, ?, ?)`,
		arm.ID, arm.SkillID, arm.ClusterID, armStatus(arm), arm.CreatedAt, data)
}

func (s *SQLiteStore) GetArm(ctx context.Context, id string) (*core.Arm, error) {
	return queryOne[core.Arm](ctx, s.db, "arm "+id, `SELECT data FROM arms WHERE id = ?`, id)
}

func (s *SQLiteStore) UpdateArm(ctx context.Context, arm *core.Arm) error {
	data, err := encode(arm)
	if err != nil {
		return err
	}
	return s.exec(ctx, "arm "+arm.ID,
		`UPDATE arms SET status = ?, data = ? WHERE id = ?`, armStatus(arm), data, arm.ID)
}

func (s *SQLiteStore) ListArms(ctx context.Context, skillID, clusterID string, includeRetired bool) ([]*core.Arm, error) {
	if includeRetired {
		return queryMany[core.Arm](ctx, s.db,
			`SELECT data FROM arms WHERE skill_id = ? AND cluster_id = ? ORDER BY created_at, id`,
			skillID, clusterID)
	}
	return queryMany[core.Arm](ctx, s.db,
		`SELECT data FROM arms WHERE skill_id = ? AND cluster_id = ? AND status = ? ORDER BY created_at, id`,
		skillID, clusterID, string(core.ArmStatusActive))
}

func armStatus(arm *core.Arm) string {
	if arm.Active() {
		return string(core.ArmStatusActive)
	}
	return string(arm.Status)
}

func (s *SQLiteStore) CreateEvaluation(ctx context.Context, evaluation *core.Evaluation) error {
	data, err := encode(evaluation)
	if err != nil {
		return err
	}
	return s.exec(ctx, "evaluation "+evaluation.ID,
		`INSERT INTO evaluations (id, skill_id, data) VALUES (?, ?, ?)`,
		evaluation.ID, evaluation.SkillID, data)
}

func (s *SQLiteStore) GetEvaluation(ctx context.Context, id string) (*core.Evaluation, error) {
	return queryOne[core.Evaluation](ctx, s.db, "evaluation "+id, `SELECT data FROM evaluations WHERE id = ?`, id)
}

func (s *SQLiteStore) ListEvaluations(ctx context.Context, skillID string) ([]*core.Evaluation, error) {
	return queryMany[core.Evaluation](ctx, s.db,
		`SELECT data FROM evaluations WHERE skill_id = ? ORDER BY id`, skillID)
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *core.EvaluationRun) error {
	data, err := encode(run)
	if err != nil {
		return err
	}
	return s.exec(ctx, "run "+run.ID,
		`INSERT INTO evaluation_runs (id, evaluation_id, started_at, data) VALUES (?, ?, ?, ?)`,
		run.ID, run.EvaluationID, run.StartedAt, data)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*core.EvaluationRun, error) {
	return queryOne[core.EvaluationRun](ctx, s.db, "run "+id, `SELECT data FROM evaluation_runs WHERE id = ?`, id)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *core.EvaluationRun) error {
	data, err := encode(run)
	if err != nil {
		return err
	}
	return s.exec(ctx, "run "+run.ID, `UPDATE evaluation_runs SET data = ? WHERE id = ?`, data, run.ID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, evaluationID string) ([]*core.EvaluationRun, error) {
	return queryMany[core.EvaluationRun](ctx, s.db,
		`SELECT data FROM evaluation_runs WHERE evaluation_id = ? ORDER BY started_at, id`, evaluationID)
}

func (s *SQLiteStore) CreateLogOutput(ctx context.Context, output *core.LogOutput) (*core.LogOutput, bool, error) {
	data, err := encode(output)
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO log_outputs (id, log_id, run_id, created_at, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (log_id, run_id) DO NOTHING`,
		output.ID, output.LogID, output.RunID, output.CreatedAt, data)
	if err != nil {
		if isConstraint(err) {
			return nil, false, fmt.Errorf("log output %s: %w", output.ID, ErrAlreadyExists)
		}
		return nil, false, fmt.Errorf("failed to write log output: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to write log output: %w", err)
	}
	if n > 0 {
		stored := *output
		return &stored, true, nil
	}
	existing, err := queryOne[core.LogOutput](ctx, s.db, "log output",
		`SELECT data FROM log_outputs WHERE log_id = ? AND run_id = ?`, output.LogID, output.RunID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) ListLogOutputs(ctx context.Context, runID string) ([]*core.LogOutput, error) {
	return queryMany[core.LogOutput](ctx, s.db,
		`SELECT data FROM log_outputs WHERE run_id = ? ORDER BY created_at, id`, runID)
}

func (s *SQLiteStore) CreateLog(ctx context.Context, log *core.Log) error {
	data, err := encode(log)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO logs (id, skill_id, has_embedding, created_at, data) VALUES (?, ?, ?, ?, ?)`,
		log.ID, log.SkillID, len(log.Embedding) > 0, log.CreatedAt, data); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("log %s: %w", log.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to write log: %w", err)
	}
	for _, datasetID := range log.DatasetIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO log_datasets (log_id, dataset_id) VALUES (?, ?)`,
			log.ID, datasetID); err != nil {
			return fmt.Errorf("failed to write dataset membership: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetLog(ctx context.Context, id string) (*core.Log, error) {
	return queryOne[core.Log](ctx, s.db, "log "+id, `SELECT data FROM logs WHERE id = ?`, id)
}

func (s *SQLiteStore) ListDatasetLogs(ctx context.Context, datasetID, skillID string) ([]*core.Log, error) {
	query := `SELECT l.data FROM logs l JOIN log_datasets d ON d.log_id = l.id WHERE d.dataset_id = ?`
	args := []any{datasetID}
	if skillID != "" {
		query += ` AND l.skill_id = ?`
		args = append(args, skillID)
	}
	query += ` ORDER BY l.created_at, l.id`
	return queryMany[core.Log](ctx, s.db, query, args...)
}

func (s *SQLiteStore) ListSkillLogs(ctx context.Context, skillID string, limit int) ([]*core.Log, error) {
	query := `SELECT data FROM (
		SELECT data, created_at, id FROM logs WHERE skill_id = ? AND has_embedding = 1
		ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	query += `) ORDER BY created_at, id`
	return queryMany[core.Log](ctx, s.db, query, skillID)
}

func (s *SQLiteStore) SaveArmRunAssociation(ctx context.Context, assoc *core.ArmRunAssociation) (bool, error) {
	data, err := encode(assoc)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO arm_run_associations (arm_id, log_id, data) VALUES (?, ?, ?)`,
		assoc.ArmID, assoc.LogID, data)
	if err != nil {
		return false, fmt.Errorf("failed to write association: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to write association: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) FindArmRunAssociation(ctx context.Context, armID, logID string) (*core.ArmRunAssociation, error) {
	return queryOne[core.ArmRunAssociation](ctx, s.db, "association "+armID+"/"+logID,
		`SELECT data FROM arm_run_associations WHERE arm_id = ? AND log_id = ?`, armID, logID)
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
