package capture

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/snow-ghost/skilltuner/pkg/bandit"
	"github.com/snow-ghost/skilltuner/pkg/clustering"
	"github.com/snow-ghost/skilltuner/pkg/embeddings"
	"github.com/snow-ghost/skilltuner/pkg/evaluation"
	"github.com/snow-ghost/skilltuner/pkg/notify"
	"github.com/snow-ghost/skilltuner/pkg/router/core"
	"github.com/snow-ghost/skilltuner/pkg/storage"
	"github.com/snow-ghost/skilltuner/pkg/streaming"
)

type fixedMethod struct {
	score float64
	err   error
}

func (m *fixedMethod) Details() evaluation.MethodDetails {
	return evaluation.MethodDetails{Name: "fixed"}
}

func (m *fixedMethod) ParameterSchema() map[string]any { return map[string]any{} }

func (m *fixedMethod) Evaluate(ctx context.Context, job evaluation.Job) (*evaluation.Verdict, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &evaluation.Verdict{Score: m.score, Reasoning: "fixed"}, nil
}

type harness struct {
	store    storage.Store
	orch     *Orchestrator
	assigner *clustering.Assigner
	engine   *bandit.Engine
	pipeline *evaluation.Pipeline
	sink     *notify.ChanSink
	skill    *core.Skill
}

func newHarness(t *testing.T, method *fixedMethod, config Config) *harness {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()

	skill := &core.Skill{
		ID:                  "skill-1",
		AgentID:             "agent-1",
		Name:                "support",
		SystemPrompt:        "You are a support agent.",
		OptimizationEnabled: true,
		MinPullsPerArm:      1,
		CreatedAt:           time.Now(),
	}
	require.NoError(t, store.CreateSkill(ctx, skill))

	reg := evaluation.NewRegistry()
	require.NoError(t, reg.Register(method))
	pipeline := evaluation.NewPipeline(store, reg, nil)
	engine := bandit.NewEngine(store, bandit.Config{ExplorationConstant: 1.4}, nil, bandit.WithRand(rand.New(rand.NewSource(7))))
	notifier := notify.NewRegistry(time.Second, nil, nil)
	sink := notify.NewChanSink("test", 64)
	notifier.Add(sink)
	assigner := clustering.NewAssigner(store, clustering.Config{SimilarityThreshold: 0.9}, nil)

	orch := NewOrchestrator(Deps{
		Store:    store,
		Assigner: assigner,
		Engine:   engine,
		Pipeline: pipeline,
		Notifier: notifier,
		Embedder: embeddings.NewHashEmbedder(32),
	}, config, nil)

	return &harness{store: store, orch: orch, assigner: assigner, engine: engine, pipeline: pipeline, sink: sink, skill: skill}
}

func (h *harness) addEvaluation(t *testing.T) *core.Evaluation {
	t.Helper()
	ev, err := h.pipeline.CreateEvaluation(context.Background(), h.skill.ID, "quality", "fixed", nil)
	require.NoError(t, err)
	return ev
}

func (h *harness) events() []core.Event {
	var out []core.Event
	for {
		select {
		case e := <-h.sink.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

const (
	chatRequest  = `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"Where is my order?"}]}`
	chatResponse = `{"id":"c1","object":"chat.completion","model":"gpt-4o-mini","choices":[{"index":0,"message":{"role":"assistant","content":"It ships tomorrow."}}]}`
)

func captureRequest(armID, clusterID string) CaptureRequest {
	return CaptureRequest{
		SkillID:      "skill-1",
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		Function:     "chat",
		StatusCode:   200,
		RequestBody:  []byte(chatRequest),
		ResponseBody: []byte(chatResponse),
		ArmID:        armID,
		ClusterID:    clusterID,
		DatasetIDs:   []string{"ds"},
	}
}

// selectWithArms seeds the default arm set for the request's cluster and
// returns a selection carrying an arm.
func (h *harness) selectWithArms(t *testing.T) *Selection {
	t.Helper()
	ctx := context.Background()
	embedding, err := h.orch.Embed(ctx, "Where is my order?")
	require.NoError(t, err)

	sel, err := h.orch.SelectArm(ctx, h.skill.ID, embedding)
	require.NoError(t, err)
	require.Nil(t, sel.Arm)

	_, err = h.engine.RegenerateArms(ctx, h.skill, sel.ClusterID, bandit.DefaultArmSpecs(h.skill))
	require.NoError(t, err)

	sel, err = h.orch.SelectArm(ctx, h.skill.ID, embedding)
	require.NoError(t, err)
	require.NotNil(t, sel.Arm)
	return sel
}

func TestCapture_IncompleteIsDiscarded(t *testing.T) {
	h := newHarness(t, &fixedMethod{score: 1}, Config{})

	req := captureRequest("", "")
	req.ResponseBody = nil
	_, err := h.orch.Capture(context.Background(), req)
	assert.ErrorIs(t, err, ErrIncompleteCapture)

	req = captureRequest("", "")
	req.ResponseBody = nil
	req.Stream = true
	req.StreamData = []byte("data: [DONE]\n\n")
	_, err = h.orch.Capture(context.Background(), req)
	assert.ErrorIs(t, err, ErrIncompleteCapture)

	h.orch.Wait()
	logs, err := h.store.ListDatasetLogs(context.Background(), "ds", "")
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Empty(t, h.events())
}

func TestCapture_FailedCallWithoutBodyIsPersisted(t *testing.T) {
	h := newHarness(t, &fixedMethod{score: 1}, Config{})

	req := captureRequest("", "")
	req.StatusCode = 502
	req.ResponseBody = nil
	log, err := h.orch.Capture(context.Background(), req)
	require.NoError(t, err)
	h.orch.Wait()

	stored, err := h.store.GetLog(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, 502, stored.StatusCode)
}

func TestCapture_ReconstructsStream(t *testing.T) {
	h := newHarness(t, &fixedMethod{score: 1}, Config{})

	req := captureRequest("", "")
	req.ResponseBody = nil
	req.Stream = true
	req.StreamKind = streaming.KindChatCompletion
	req.StreamData = []byte(strings.Join([]string{
		`data: {"id":"c1","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":"It ships"}}]}`,
		`data: {"id":"c1","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":" tomorrow."},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
		`data: [DONE]`,
	}, "\n\n") + "\n\n")

	log, err := h.orch.Capture(context.Background(), req)
	require.NoError(t, err)
	h.orch.Wait()

	stored, err := h.store.GetLog(context.Background(), log.ID)
	require.NoError(t, err)
	assert.Equal(t, "It ships tomorrow.", streaming.ExtractText(stored.ResponseBody, streaming.KindChatCompletion))
	assert.True(t, stored.Stream)
}

func TestCapture_ZeroEmbeddingStaysUnclustered(t *testing.T) {
	h := newHarness(t, &fixedMethod{score: 1}, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		req := captureRequest("", "")
		req.RequestBody = []byte(`{"model":"gpt-4o-mini","messages":[{"role":"user","content":"?"}]}`)
		log, err := h.orch.Capture(ctx, req)
		require.NoError(t, err)
		assert.Empty(t, log.ClusterID)
	}
	h.orch.Wait()

	clusters, err := h.store.ListClusters(ctx, h.skill.ID)
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

func TestCapture_DisconnectedClientStillAnnounces(t *testing.T) {
	h := newHarness(t, &fixedMethod{score: 1}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	log, err := h.orch.Capture(ctx, captureRequest("", ""))
	require.NoError(t, err)
	h.orch.Wait()

	events := h.events()
	require.NotEmpty(t, events)
	assert.Equal(t, log.ID, events[0].LogID)
}

func TestCapture_AssignsClusterAndAnnounces(t *testing.T) {
	h := newHarness(t, &fixedMethod{score: 1}, Config{})

	log, err := h.orch.Capture(context.Background(), captureRequest("", ""))
	require.NoError(t, err)
	h.orch.Wait()

	assert.NotEmpty(t, log.ClusterID)
	assert.NotEmpty(t, log.Embedding)

	events := h.events()
	require.Len(t, events, 1)
	assert.Equal(t, core.EventLogCreated, events[0].Type)
	assert.Equal(t, log.ID, events[0].LogID)

	skill, err := h.store.GetSkill(context.Background(), "skill-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), skill.RequestCount)
}

func TestCapture_FeedbackUpdatesArm(t *testing.T) {
	h := newHarness(t, &fixedMethod{score: 0.8}, Config{})
	h.addEvaluation(t)
	sel := h.selectWithArms(t)

	log, err := h.orch.Capture(context.Background(), captureRequest(sel.Arm.ID, sel.ClusterID))
	require.NoError(t, err)
	h.orch.Wait()

	arm, err := h.store.GetArm(context.Background(), sel.Arm.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), arm.Stats.N)
	assert.InDelta(t, 0.8, arm.Stats.Mean, 1e-9)

	assoc, err := h.store.FindArmRunAssociation(context.Background(), sel.Arm.ID, log.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, assoc.RunID)

	events := h.events()
	require.Len(t, events, 2)
	assert.Equal(t, core.EventLogCreated, events[0].Type)
	updated := events[1]
	assert.Equal(t, core.EventArmUpdated, updated.Type)
	require.NotNil(t, updated.Reward)
	assert.InDelta(t, 0.8, *updated.Reward, 1e-9)
	require.NotNil(t, updated.Stats)
	assert.Equal(t, int64(1), updated.Stats.N)

	run, err := h.store.GetRun(context.Background(), assoc.RunID)
	require.NoError(t, err)
	assert.True(t, run.Realtime)
	assert.Equal(t, 1, run.Results.TotalLogs)
}

func TestCapture_FeedbackAppliedOncePerLog(t *testing.T) {
	h := newHarness(t, &fixedMethod{score: 0.5}, Config{})
	h.addEvaluation(t)
	sel := h.selectWithArms(t)

	log, err := h.orch.Capture(context.Background(), captureRequest(sel.Arm.ID, sel.ClusterID))
	require.NoError(t, err)
	h.orch.Wait()

	require.NoError(t, h.orch.Feedback(context.Background(), log))

	arm, err := h.store.GetArm(context.Background(), sel.Arm.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), arm.Stats.N)
}

func TestCapture_NoEvaluatorStillAnnouncesArmUpdate(t *testing.T) {
	h := newHarness(t, &fixedMethod{score: 1}, Config{})
	sel := h.selectWithArms(t)

	_, err := h.orch.Capture(context.Background(), captureRequest(sel.Arm.ID, sel.ClusterID))
	require.NoError(t, err)
	h.orch.Wait()

	events := h.events()
	require.Len(t, events, 2)
	assert.Equal(t, core.EventArmUpdated, events[1].Type)
	assert.Nil(t, events[1].Reward)
	assert.Equal(t, ErrNoEvaluators.Error(), events[1].Error)

	arm, err := h.store.GetArm(context.Background(), sel.Arm.ID)
	require.NoError(t, err)
	assert.Zero(t, arm.Stats.N)
}

func TestCapture_EvaluationFailureStillAnnouncesArmUpdate(t *testing.T) {
	h := newHarness(t, &fixedMethod{err: errors.New("judge down")}, Config{})
	h.addEvaluation(t)
	sel := h.selectWithArms(t)

	_, err := h.orch.Capture(context.Background(), captureRequest(sel.Arm.ID, sel.ClusterID))
	require.NoError(t, err)
	h.orch.Wait()

	events := h.events()
	require.Len(t, events, 2)
	assert.Equal(t, core.EventArmUpdated, events[1].Type)
	assert.Nil(t, events[1].Reward)
	assert.Contains(t, events[1].Error, "judge down")
}

func TestCapture_UnknownArmDoesNotBreakCapture(t *testing.T) {
	h := newHarness(t, &fixedMethod{score: 1}, Config{})
	h.addEvaluation(t)

	log, err := h.orch.Capture(context.Background(), captureRequest("missing-arm", ""))
	require.NoError(t, err)
	h.orch.Wait()

	_, err = h.store.GetLog(context.Background(), log.ID)
	require.NoError(t, err)
	events := h.events()
	require.Len(t, events, 2)
	assert.Contains(t, events[1].Error, bandit.ErrUnknownArm.Error())
}

func TestCapture_EarlyStageGeneratesArms(t *testing.T) {
	h := newHarness(t, &fixedMethod{score: 1}, Config{EarlyStageRequests: 2})

	first, err := h.orch.Capture(context.Background(), captureRequest("", ""))
	require.NoError(t, err)
	h.orch.Wait()

	arms, err := h.store.ListArms(context.Background(), h.skill.ID, first.ClusterID, false)
	require.NoError(t, err)
	assert.Empty(t, arms)

	second, err := h.orch.Capture(context.Background(), captureRequest("", ""))
	require.NoError(t, err)
	h.orch.Wait()
	require.Equal(t, first.ClusterID, second.ClusterID)

	arms, err = h.store.ListArms(context.Background(), h.skill.ID, second.ClusterID, false)
	require.NoError(t, err)
	assert.Len(t, arms, len(bandit.DefaultArmSpecs(h.skill)))
	for _, arm := range arms {
		assert.Equal(t, h.skill.SystemPrompt, arm.SystemPrompt)
	}

	h.skill.RequestCount = 2
	generated, err := h.orch.RegenerateIfEarlyStage(context.Background(), h.skill, second.ClusterID)
	require.NoError(t, err)
	assert.False(t, generated, "a cluster with arms is left alone")
}

func TestReclusterIfDue_RetiresMergedArms(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fixedMethod{score: 1}, Config{})

	h.skill.ClusteringInterval = time.Hour
	h.skill.CreatedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, h.store.UpdateSkill(ctx, h.skill))

	big, _, err := h.assigner.Assign(ctx, h.skill.ID, []float64{1, 0})
	require.NoError(t, err)
	_, _, err = h.assigner.Assign(ctx, h.skill.ID, []float64{1, 0})
	require.NoError(t, err)
	small, created, err := h.assigner.Assign(ctx, h.skill.ID, []float64{1, 0.6})
	require.NoError(t, err)
	require.True(t, created)

	small.Centroid = []float64{1, 0.1}
	require.NoError(t, h.store.UpdateCluster(ctx, small))

	smallArms, err := h.engine.RegenerateArms(ctx, h.skill, small.ID, bandit.DefaultArmSpecs(h.skill))
	require.NoError(t, err)
	bigArms, err := h.engine.RegenerateArms(ctx, h.skill, big.ID, bandit.DefaultArmSpecs(h.skill))
	require.NoError(t, err)

	ran, err := h.orch.ReclusterIfDue(ctx, h.skill)
	require.NoError(t, err)
	assert.True(t, ran)

	for _, arm := range smallArms {
		stored, err := h.store.GetArm(ctx, arm.ID)
		require.NoError(t, err)
		assert.False(t, stored.Active())
	}
	for _, arm := range bigArms {
		stored, err := h.store.GetArm(ctx, arm.ID)
		require.NoError(t, err)
		assert.True(t, stored.Active())
	}

	skill, err := h.store.GetSkill(ctx, h.skill.ID)
	require.NoError(t, err)
	assert.False(t, skill.LastClusteredAt.IsZero())

	ran, err = h.orch.ReclusterIfDue(ctx, skill)
	require.NoError(t, err)
	assert.False(t, ran, "interval has not elapsed since the last pass")
}

func TestSelectArm_OptimizationDisabled(t *testing.T) {
	h := newHarness(t, &fixedMethod{score: 1}, Config{})
	h.skill.OptimizationEnabled = false
	require.NoError(t, h.store.UpdateSkill(context.Background(), h.skill))

	_, err := h.orch.SelectArm(context.Background(), h.skill.ID, []float64{1, 0})
	assert.ErrorIs(t, err, ErrOptimizationDisabled)
}

func TestSelection_Apply(t *testing.T) {
	h := newHarness(t, &fixedMethod{score: 1}, Config{})
	sel := h.selectWithArms(t)

	req := &core.ChatRequest{Messages: []core.Message{{Role: "user", Content: "hi"}}}
	sel.Apply(req)
	require.NotEmpty(t, req.Messages)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, sel.Arm.SystemPrompt, req.Messages[0].Content)

	empty := &Selection{}
	untouched := &core.ChatRequest{Messages: []core.Message{{Role: "user", Content: "hi"}}}
	empty.Apply(untouched)
	assert.Len(t, untouched.Messages, 1)
}

func TestSupervisor_RecoversPanics(t *testing.T) {
	obs, logs := observer.New(zap.DebugLevel)
	s := NewSupervisor(zap.New(obs), nil)

	s.Go(context.Background(), "boom", func(context.Context) error { panic("kaboom") })
	s.Go(context.Background(), "fail", func(context.Context) error { return errors.New("nope") })
	s.Go(context.Background(), "ok", func(context.Context) error { return nil })
	s.Wait()

	assert.Equal(t, 1, logs.FilterMessage("Background task panicked").Len())
	assert.Equal(t, 1, logs.FilterMessage("Background task failed").Len())
}

func TestSupervisor_DetachesFromCancellation(t *testing.T) {
	s := NewSupervisor(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var seen error
	s.Go(ctx, "detached", func(ctx context.Context) error {
		seen = ctx.Err()
		return nil
	})
	s.Wait()
	assert.NoError(t, seen)
}
