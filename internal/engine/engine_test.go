package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine"
	"gateline/internal/engine/auth"
	"gateline/internal/migrate"
	"gateline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Default())
}

func newTestEnvWithConfig(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := eng.Auth.Seed(ctx, conn, cfg.RBAC, "2024-01-01T00:00:00Z"); err != nil {
		t.Fatalf("seed rbac: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func goodPayload() domain.HandoffPayload {
	return domain.HandoffPayload{
		ExecutiveSummary:     "Delivered the login flow with session rotation and audit logging enabled.",
		CompletenessReport:   "All five acceptance criteria are met and verified in staging.",
		DeliverablesManifest: "internal/auth/session.go, internal/auth/session_test.go, docs/auth.md",
		KeyDecisions:         "Sessions are stored server side with a 30 minute idle timeout.",
		KnownIssues:          "Remember-me cookies are not yet rotated on password change.",
		ResourceUtilization:  "Two engineer days, one staging deploy, no new infrastructure.",
		ActionItems:          "Verification phase should run the security review checklist.",
	}
}

func weakPayload() domain.HandoffPayload {
	p := goodPayload()
	p.KnownIssues = ""
	p.ActionItems = ""
	p.KeyDecisions = "TBD"
	return p
}

func create(t *testing.T, env testEnv, typ string, parentID string) domain.Directive {
	t.Helper()
	d, err := env.Engine.CreateDirective(env.Ctx, engine.DirectiveCreateOptions{
		Title:    "Directive " + typ,
		Type:     typ,
		ParentID: parentID,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create directive: %v", err)
	}
	return d
}

func submit(t *testing.T, env testEnv, id string, from domain.Phase, p domain.HandoffPayload) domain.Handoff {
	t.Helper()
	to, _ := from.Next()
	h, err := env.Engine.SubmitHandoff(env.Ctx, engine.HandoffSubmission{DirectiveID: id, From: from, To: to, Payload: p, ActorID: "tester"})
	if err != nil {
		t.Fatalf("submit %s: %v", from, err)
	}
	return h
}

// driveTo advances the directive with accepted handoffs until it sits in until.
func driveTo(t *testing.T, env testEnv, id string, until domain.Phase) domain.Directive {
	t.Helper()
	for {
		d, err := env.Engine.GetDirective(env.Ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if d.CurrentPhase == until || d.Status.Terminal() {
			return d
		}
		h := submit(t, env, id, d.CurrentPhase, goodPayload())
		if h.Status != domain.HandoffAccepted {
			t.Fatalf("handoff %s rejected: %v", d.CurrentPhase, h.Reasons)
		}
		if _, err := env.Engine.Advance(env.Ctx, engine.AdvanceInput{DirectiveID: id, Target: h.ToPhase, HandoffID: h.ID, ActorID: "tester"}); err != nil {
			t.Fatalf("advance to %s: %v", h.ToPhase, err)
		}
	}
}

func verdict(t *testing.T, env testEnv, id, code string, v domain.Verdict) {
	t.Helper()
	if _, err := env.Engine.RecordVerdict(env.Ctx, engine.VerdictInput{DirectiveID: id, Code: code, Verdict: v, Confidence: 90, ActorID: "tester"}); err != nil {
		t.Fatalf("verdict %s: %v", code, err)
	}
}

func TestCreateDirectiveResolvesVerifiers(t *testing.T) {
	env := newTestEnv(t)
	d, err := env.Engine.CreateDirective(env.Ctx, engine.DirectiveCreateOptions{
		Title: "Rotate tokens", Type: domain.TypeFix, Scope: "Rework token storage and the GDPR export", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d.Status != domain.StatusDraft || d.CurrentPhase != domain.PhaseApproval0 {
		t.Fatalf("unexpected initial state %s/%s", d.Status, d.CurrentPhase)
	}
	if d.Progress != 10 {
		t.Fatalf("expected initial progress 10, got %d", d.Progress)
	}
	rep, err := env.Engine.CheckVerifiers(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("check verifiers: %v", err)
	}
	var codes []string
	for _, v := range rep.Verifiers {
		codes = append(codes, v.Code)
	}
	assert.ElementsMatch(t, []string{"testing", "security", "compliance"}, codes)
	assert.False(t, rep.Satisfied)
}

func TestFeatureLifecycleWithPendingSecurity(t *testing.T) {
	env := newTestEnv(t)
	d := create(t, env, domain.TypeFeature, "")
	d = driveTo(t, env, d.ID, domain.PhaseVerification)
	if d.Status != domain.StatusActive {
		t.Fatalf("expected active, got %s", d.Status)
	}
	verdict(t, env, d.ID, "performance", domain.VerdictPass)
	if _, err := env.Engine.ReportPhaseProgress(env.Ctx, d.ID, 100, "tester"); err != nil {
		t.Fatalf("phase progress: %v", err)
	}

	rep, err := env.Engine.GetProgress(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if rep.Percentage != 80 {
		t.Fatalf("expected 80%%, got %d", rep.Percentage)
	}

	res, err := env.Engine.RequestCompletion(env.Ctx, d.ID, "tester")
	if !errors.Is(err, engine.ErrPreconditionNotMet) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	assert.False(t, res.Accepted)
	assert.Equal(t, 80, res.Progress)
	assert.Contains(t, res.BlockingReasons, "security verifier pending")

	h := submit(t, env, d.ID, domain.PhaseVerification, goodPayload())
	assert.Equal(t, domain.HandoffRejected, h.Status)
	assert.Contains(t, h.Reasons, "security verifier pending")

	verdict(t, env, d.ID, "security", domain.VerdictWarning)
	driveTo(t, env, d.ID, domain.PhaseCompleted)

	got, err := env.Engine.GetDirective(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusCompleted || got.Progress != 100 || got.ClosedAt == nil {
		t.Fatalf("expected completed at 100, got %s %d", got.Status, got.Progress)
	}
	res, err = env.Engine.RequestCompletion(env.Ctx, d.ID, "tester")
	if err != nil || !res.Accepted {
		t.Fatalf("repeat completion should be accepted: %v", err)
	}
}

func TestProgressCacheMatchesRecompute(t *testing.T) {
	env := newTestEnv(t)
	d := create(t, env, domain.TypeFeature, "")
	d = driveTo(t, env, d.ID, domain.PhaseImplementation)
	if _, err := env.Engine.ReportPhaseProgress(env.Ctx, d.ID, 50, "tester"); err != nil {
		t.Fatalf("phase progress: %v", err)
	}
	stored, err := env.Engine.GetDirective(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	rep, err := env.Engine.GetProgress(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if stored.Progress != rep.Percentage {
		t.Fatalf("cache %d != recompute %d", stored.Progress, rep.Percentage)
	}
}

func TestOrderingErrors(t *testing.T) {
	env := newTestEnv(t)
	d := create(t, env, domain.TypeDocumentation, "")

	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceInput{DirectiveID: d.ID, Target: domain.PhaseImplementation, HandoffID: "x"})
	if !errors.Is(err, engine.ErrOutOfOrderTransition) || !errors.Is(err, engine.ErrOrderViolation) {
		t.Fatalf("expected out of order, got %v", err)
	}
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceInput{DirectiveID: d.ID, Target: domain.PhaseDesign, HandoffID: "missing"})
	if !errors.Is(err, engine.ErrHandoffNotAccepted) {
		t.Fatalf("expected handoff not accepted, got %v", err)
	}
	_, err = env.Engine.SubmitHandoff(env.Ctx, engine.HandoffSubmission{DirectiveID: d.ID, From: domain.PhaseDesign, To: domain.PhaseImplementation, Payload: goodPayload()})
	if !errors.Is(err, engine.ErrOrderViolation) {
		t.Fatalf("expected order violation for wrong source, got %v", err)
	}
	_, err = env.Engine.SubmitHandoff(env.Ctx, engine.HandoffSubmission{DirectiveID: d.ID, From: domain.PhaseApproval0, To: domain.PhaseDesign})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error for empty payload, got %v", err)
	}

	h := submit(t, env, d.ID, domain.PhaseApproval0, goodPayload())
	if h.Status != domain.HandoffAccepted || h.Attempt != 1 {
		t.Fatalf("expected accepted attempt 1, got %s/%d", h.Status, h.Attempt)
	}
	_, err = env.Engine.SubmitHandoff(env.Ctx, engine.HandoffSubmission{DirectiveID: d.ID, From: domain.PhaseApproval0, To: domain.PhaseDesign, Payload: goodPayload()})
	if !errors.Is(err, engine.ErrHandoffAccepted) {
		t.Fatalf("expected already accepted, got %v", err)
	}
	var ee *engine.Error
	if !errors.As(err, &ee) || ee.ErrorCode() != "handoff_already_accepted" {
		t.Fatalf("expected typed error, got %#v", err)
	}
}

func TestRejectedHandoffRetry(t *testing.T) {
	env := newTestEnv(t)
	d := create(t, env, domain.TypeDocumentation, "")

	if _, err := env.Engine.Retry(env.Ctx, d.ID, "nothing yet", "tester"); !errors.Is(err, engine.ErrPreconditionNotMet) {
		t.Fatalf("expected precondition error without a handoff, got %v", err)
	}
	h := submit(t, env, d.ID, domain.PhaseApproval0, weakPayload())
	if h.Status != domain.HandoffRejected {
		t.Fatalf("expected rejection, got %s (score %d)", h.Status, h.Score)
	}
	if h.Score != 63 {
		t.Fatalf("expected score 63, got %d", h.Score)
	}
	assert.Contains(t, h.Reasons, "missing section: known_issues")
	assert.Contains(t, h.Reasons, "placeholder content in section: key_decisions")

	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceInput{DirectiveID: d.ID, Target: domain.PhaseDesign, HandoffID: h.ID})
	if !errors.Is(err, engine.ErrHandoffNotAccepted) {
		t.Fatalf("expected handoff not accepted, got %v", err)
	}
	var ee *engine.Error
	require.ErrorAs(t, err, &ee)
	assert.Contains(t, ee.Reasons, "missing section: known_issues")

	if _, err := env.Engine.Advance(env.Ctx, engine.AdvanceInput{DirectiveID: d.ID, Target: domain.PhaseApproval0, ActorID: "tester"}); err != nil {
		t.Fatalf("retry via advance: %v", err)
	}
	markers, err := env.Engine.Repo.ListPhaseMarkers(env.Ctx, env.Engine.DB, d.ID)
	if err != nil {
		t.Fatalf("markers: %v", err)
	}
	if len(markers) != 2 || markers[1].Attempt != 2 || markers[0].ExitedAt == nil {
		t.Fatalf("expected a second approval_0 attempt, got %+v", markers)
	}

	h2 := submit(t, env, d.ID, domain.PhaseApproval0, goodPayload())
	if h2.Status != domain.HandoffAccepted || h2.Attempt != 2 {
		t.Fatalf("expected accepted attempt 2, got %s/%d", h2.Status, h2.Attempt)
	}
	all, err := env.Engine.ListHandoffs(env.Ctx, d.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].Status != domain.HandoffRejected {
		t.Fatalf("rejected handoff must be kept, got %+v", all)
	}
	if _, err := env.Engine.Retry(env.Ctx, d.ID, "again", "tester"); !errors.Is(err, engine.ErrPreconditionNotMet) {
		t.Fatalf("retry after acceptance must fail, got %v", err)
	}
}

func TestIncompleteHandoffIsRejected(t *testing.T) {
	env := newTestEnv(t)
	d := create(t, env, domain.TypeFeature, "")

	p := goodPayload()
	p.KnownIssues = ""
	p.ActionItems = ""
	h := submit(t, env, d.ID, domain.PhaseApproval0, p)
	assert.Equal(t, 71, h.Score)
	assert.Equal(t, domain.HandoffRejected, h.Status)
	assert.Contains(t, h.Reasons, "missing section: action_items")
	assert.Contains(t, h.Reasons, "all 7 sections are required")

	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceInput{DirectiveID: d.ID, Target: domain.PhaseDesign, HandoffID: h.ID, ActorID: "tester"})
	require.ErrorIs(t, err, engine.ErrHandoffNotAccepted)
	var ee *engine.Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "handoff_not_accepted", ee.Code)

	got, err := env.Engine.GetDirective(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseApproval0, got.CurrentPhase)
}

func TestCheckpointOrdering(t *testing.T) {
	env := newTestEnv(t)
	d := create(t, env, domain.TypeDocumentation, "")
	items := make([]domain.WorkItem, 12)
	for i := range items {
		items[i] = domain.WorkItem{ID: "item-" + string(rune('a'+i))}
	}
	cps, err := env.Engine.DecomposeIntoCheckpoints(env.Ctx, engine.DecomposeInput{DirectiveID: d.ID, Items: items, ActorID: "tester"})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(cps) != 2 || len(cps[0].Items)+len(cps[1].Items) != 12 {
		t.Fatalf("expected 2 checkpoints covering 12 items, got %+v", cps)
	}
	if _, err := env.Engine.DecomposeIntoCheckpoints(env.Ctx, engine.DecomposeInput{DirectiveID: d.ID, Items: items}); !errors.Is(err, engine.ErrPreconditionNotMet) {
		t.Fatalf("second decomposition must fail, got %v", err)
	}

	if _, err := env.Engine.CompleteCheckpoint(env.Ctx, d.ID, 2, "tester"); !errors.Is(err, engine.ErrCheckpointOrder) {
		t.Fatalf("expected checkpoint order violation, got %v", err)
	}
	if _, err := env.Engine.CompleteCheckpoint(env.Ctx, d.ID, 3, "tester"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error for unknown seq, got %v", err)
	}

	driveTo(t, env, d.ID, domain.PhaseImplementation)
	h := submit(t, env, d.ID, domain.PhaseImplementation, goodPayload())
	assert.Equal(t, domain.HandoffRejected, h.Status)
	assert.Contains(t, h.Reasons, "checkpoint 1 incomplete")

	c1, err := env.Engine.CompleteCheckpoint(env.Ctx, d.ID, 1, "tester")
	if err != nil || !c1.Completed() {
		t.Fatalf("complete 1: %v", err)
	}
	if _, err := env.Engine.CompleteCheckpoint(env.Ctx, d.ID, 1, "tester"); err != nil {
		t.Fatalf("completing twice must be a no-op: %v", err)
	}
	if _, err := env.Engine.CompleteCheckpoint(env.Ctx, d.ID, 2, "tester"); err != nil {
		t.Fatalf("complete 2: %v", err)
	}
	h = submit(t, env, d.ID, domain.PhaseImplementation, goodPayload())
	assert.Equal(t, domain.HandoffAccepted, h.Status)
}

func TestCancelRequiresReasonAndIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	d := create(t, env, domain.TypeDocumentation, "")
	if _, err := env.Engine.Cancel(env.Ctx, d.ID, "  ", "tester"); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, err := env.Engine.Cancel(env.Ctx, d.ID, "superseded", "tester")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.StatusCancelled || got.CancelReason != "superseded" {
		t.Fatalf("unexpected cancel result %+v", got)
	}
	if _, err := env.Engine.Cancel(env.Ctx, d.ID, "again", "tester"); !errors.Is(err, engine.ErrTerminalState) {
		t.Fatalf("expected terminal error, got %v", err)
	}
	_, err = env.Engine.SubmitHandoff(env.Ctx, engine.HandoffSubmission{DirectiveID: d.ID, From: domain.PhaseApproval0, To: domain.PhaseDesign, Payload: goodPayload()})
	if !errors.Is(err, engine.ErrAlreadyTerminal) {
		t.Fatalf("expected already terminal, got %v", err)
	}
	if _, err := env.Engine.RequestCompletion(env.Ctx, d.ID, "tester"); !errors.Is(err, engine.ErrTerminalState) {
		t.Fatalf("completion of cancelled directive must fail, got %v", err)
	}
}

func TestStoreRejectsDirectCompletion(t *testing.T) {
	env := newTestEnv(t)
	d := create(t, env, domain.TypeFeature, "")
	driveTo(t, env, d.ID, domain.PhaseVerification)

	_, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE directives SET status='completed', progress=100 WHERE id=?`, d.ID)
	if err == nil || !strings.Contains(err.Error(), "completion_guard") {
		t.Fatalf("expected completion guard abort, got %v", err)
	}
	_, err = env.Engine.DB.ExecContext(env.Ctx, `UPDATE directives SET current_phase='completed' WHERE id=?`, d.ID)
	if err == nil || !strings.Contains(err.Error(), "phase_order") {
		t.Fatalf("expected phase order abort, got %v", err)
	}
	_, err = env.Engine.DB.ExecContext(env.Ctx, `UPDATE handoffs SET status='accepted' WHERE directive_id=?`, d.ID)
	if err == nil || !strings.Contains(err.Error(), "append_only") {
		t.Fatalf("expected immutable handoffs, got %v", err)
	}
}

func TestStoreCompletionGuardIgnoresCallerProgress(t *testing.T) {
	env := newTestEnv(t)
	d := create(t, env, domain.TypeOrchestrator, "")
	driveTo(t, env, d.ID, domain.PhaseApproval1)

	_, err := env.Engine.DB.ExecContext(env.Ctx, `UPDATE directives SET status='completed', progress=100 WHERE id=?`, d.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must move from approval_1 to completed")

	h := submit(t, env, d.ID, domain.PhaseApproval1, goodPayload())
	require.Equal(t, domain.HandoffAccepted, h.Status, "reasons: %v", h.Reasons)
	res, err := env.Engine.RequestCompletion(env.Ctx, d.ID, "tester")
	require.ErrorIs(t, err, engine.ErrPreconditionNotMet)
	assert.Contains(t, res.BlockingReasons, "orchestrator directive has no child directives")

	_, err = env.Engine.DB.ExecContext(env.Ctx,
		`UPDATE directives SET status='completed', current_phase='completed', progress=100 WHERE id=?`, d.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orchestrator has no child directives")

	got, err := env.Engine.GetDirective(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
}

func TestCompareAndSwapRejectsStaleVersion(t *testing.T) {
	env := newTestEnv(t)
	d := create(t, env, domain.TypeDocumentation, "")
	d.PhaseProgress = 10
	if _, err := env.Engine.Repo.CompareAndSwapDirective(env.Ctx, env.Engine.DB, d, d.Version+1); !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	next, err := env.Engine.Repo.CompareAndSwapDirective(env.Ctx, env.Engine.DB, d, d.Version)
	if err != nil || next.Version != d.Version+1 {
		t.Fatalf("expected swap to bump version: %v", err)
	}
}

func readyToComplete(t *testing.T, env testEnv) domain.Directive {
	t.Helper()
	d := create(t, env, domain.TypeDocumentation, "")
	driveTo(t, env, d.ID, domain.PhaseApproval1)
	h := submit(t, env, d.ID, domain.PhaseApproval1, goodPayload())
	require.Equal(t, domain.HandoffAccepted, h.Status)
	return d
}

func TestCompletionRacesCancellation(t *testing.T) {
	env := newTestEnv(t)
	d := readyToComplete(t, env)

	var completeErr, cancelErr error
	var g errgroup.Group
	g.Go(func() error {
		_, completeErr = env.Engine.RequestCompletion(env.Ctx, d.ID, "tester")
		return nil
	})
	g.Go(func() error {
		_, cancelErr = env.Engine.Cancel(env.Ctx, d.ID, "race", "tester")
		return nil
	})
	require.NoError(t, g.Wait())

	if (completeErr == nil) == (cancelErr == nil) {
		t.Fatalf("exactly one terminal write must win: complete=%v cancel=%v", completeErr, cancelErr)
	}
	loser := completeErr
	if loser == nil {
		loser = cancelErr
	}
	assert.True(t, errors.Is(loser, engine.ErrConcurrencyConflict) || errors.Is(loser, engine.ErrTerminalState), "loser got %v", loser)

	got, err := env.Engine.GetDirective(env.Ctx, d.ID)
	require.NoError(t, err)
	if completeErr == nil {
		assert.Equal(t, domain.StatusCompleted, got.Status)
	} else {
		assert.Equal(t, domain.StatusCancelled, got.Status)
	}
}

func TestConcurrentCompletionsBothAccepted(t *testing.T) {
	env := newTestEnv(t)
	d := readyToComplete(t, env)

	results := make([]domain.CompletionResult, 4)
	var g errgroup.Group
	for i := range results {
		g.Go(func() error {
			res, err := env.Engine.RequestCompletion(env.Ctx, d.ID, "tester")
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, res := range results {
		assert.True(t, res.Accepted)
		assert.Equal(t, 100, res.Progress)
	}
}

func TestOrchestratorFanIn(t *testing.T) {
	env := newTestEnv(t)
	parent := create(t, env, domain.TypeOrchestrator, "")

	res, err := env.Engine.RequestCompletion(env.Ctx, parent.ID, "tester")
	require.ErrorIs(t, err, engine.ErrPreconditionNotMet)
	assert.Contains(t, res.BlockingReasons, "orchestrator directive has no child directives")

	a := create(t, env, domain.TypeDocumentation, parent.ID)
	b := create(t, env, domain.TypeDocumentation, "")
	c := create(t, env, domain.TypeDocumentation, "")
	_, err = env.Engine.LinkChild(env.Ctx, parent.ID, b.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.LinkChild(env.Ctx, parent.ID, c.ID, "tester")
	require.NoError(t, err)
	_, err = env.Engine.LinkChild(env.Ctx, parent.ID, c.ID, "tester")
	require.NoError(t, err, "relinking the same pair is a no-op")

	_, err = env.Engine.LinkChild(env.Ctx, a.ID, parent.ID, "tester")
	require.ErrorIs(t, err, engine.ErrValidation)
	_, err = env.Engine.LinkChild(env.Ctx, b.ID, c.ID, "tester")
	require.ErrorIs(t, err, engine.ErrPreconditionNotMet)

	p, err := env.Engine.GetDirective(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, p.PendingChildren)

	driveTo(t, env, a.ID, domain.PhaseCompleted)
	_, err = env.Engine.Cancel(env.Ctx, b.ID, "descoped", "tester")
	require.NoError(t, err)
	_, err = env.Engine.GetRetrospective(env.Ctx, parent.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	driveTo(t, env, c.ID, domain.PhaseCompleted)

	p, err = env.Engine.GetDirective(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, p.Status)
	assert.Equal(t, 0, p.PendingChildren)
	assert.Equal(t, 100, p.Progress)

	retro, err := env.Engine.GetRetrospective(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, retro.ChildrenTotal)
	assert.Equal(t, 2, retro.ChildrenCompleted)
	assert.Equal(t, 1, retro.ChildrenCancelled)
	assert.Equal(t, 66, retro.QualityScore)

	handoffs, err := env.Engine.ListHandoffs(env.Ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, handoffs, 5)
	for _, h := range handoffs {
		assert.Equal(t, domain.HandoffAccepted, h.Status)
		assert.Equal(t, auth.SystemActor, h.SubmittedBy)
	}
}

func TestOrchestratorConcurrentChildrenSynthesizeOnce(t *testing.T) {
	env := newTestEnv(t)
	parent := create(t, env, domain.TypeOrchestrator, "")
	kids := make([]domain.Directive, 3)
	for i := range kids {
		kids[i] = create(t, env, domain.TypeDocumentation, parent.ID)
		driveTo(t, env, kids[i].ID, domain.PhaseApproval1)
		h := submit(t, env, kids[i].ID, domain.PhaseApproval1, goodPayload())
		require.Equal(t, domain.HandoffAccepted, h.Status)
	}

	var g errgroup.Group
	for _, k := range kids {
		g.Go(func() error {
			_, err := env.Engine.RequestCompletion(env.Ctx, k.ID, "tester")
			return err
		})
	}
	require.NoError(t, g.Wait())

	p, err := env.Engine.GetDirective(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, p.Status)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 500, repo.EventFilters{DirectiveID: parent.ID, Type: "directive.retrospective.synthesized"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestAllChildrenCancelledLeavesParentOpen(t *testing.T) {
	env := newTestEnv(t)
	parent := create(t, env, domain.TypeOrchestrator, "")
	child := create(t, env, domain.TypeDocumentation, parent.ID)
	_, err := env.Engine.Cancel(env.Ctx, child.ID, "dropped", "tester")
	require.NoError(t, err)

	p, err := env.Engine.GetDirective(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, p.Status)
	retro, err := env.Engine.GetRetrospective(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, retro.QualityScore)
}

func TestChildResolutionCommitsWithTerminalTransition(t *testing.T) {
	env := newTestEnv(t)
	parent := create(t, env, domain.TypeFeature, "")
	child := create(t, env, domain.TypeDocumentation, parent.ID)

	_, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER resolve_fails BEFORE UPDATE OF resolved_at ON child_links
BEGIN SELECT RAISE(ABORT, 'resolve failed'); END`)
	require.NoError(t, err)
	_, err = env.Engine.Cancel(env.Ctx, child.ID, "dropped", "tester")
	require.Error(t, err)

	c, err := env.Engine.GetDirective(env.Ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, c.Status)
	p, err := env.Engine.GetDirective(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, p.PendingChildren)

	_, err = env.Engine.DB.ExecContext(env.Ctx, `DROP TRIGGER resolve_fails`)
	require.NoError(t, err)
	_, err = env.Engine.Cancel(env.Ctx, child.ID, "dropped", "tester")
	require.NoError(t, err)
	p, err = env.Engine.GetDirective(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.PendingChildren)
	_, err = env.Engine.GetRetrospective(env.Ctx, parent.ID)
	require.NoError(t, err)
}

func TestResumeSynthesisAfterInterruptedClaim(t *testing.T) {
	env := newTestEnv(t)
	parent := create(t, env, domain.TypeFeature, "")
	child := create(t, env, domain.TypeDocumentation, parent.ID)

	_, err := env.Engine.DB.ExecContext(env.Ctx, `CREATE TRIGGER claim_fails BEFORE UPDATE OF synthesized_at ON directives
BEGIN SELECT RAISE(ABORT, 'claim failed'); END`)
	require.NoError(t, err)
	_, err = env.Engine.Cancel(env.Ctx, child.ID, "dropped", "tester")
	require.NoError(t, err)

	p, err := env.Engine.GetDirective(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, p.PendingChildren)
	_, err = env.Engine.GetRetrospective(env.Ctx, parent.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.Engine.DB.ExecContext(env.Ctx, `DROP TRIGGER claim_fails`)
	require.NoError(t, err)
	n, err := env.Engine.ResumeSynthesis(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	retro, err := env.Engine.GetRetrospective(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retro.ChildrenCancelled)

	n, err = env.Engine.ResumeSynthesis(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRBACEnforcement(t *testing.T) {
	cfg := config.Default()
	cfg.RBAC.Enforce = true
	cfg.RBAC.Grants = map[string][]string{"alice": {"owner"}, "bot": {"agent"}, "sec": {"verifier"}}
	cfg.RBAC.VerifierAuthorities = map[string][]string{"security": {"verifier"}}
	env := newTestEnvWithConfig(t, cfg)

	_, err := env.Engine.CreateDirective(env.Ctx, engine.DirectiveCreateOptions{Title: "x", Type: domain.TypeFeature, ActorID: "mallory"})
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, auth.PermDirectiveCreate, forbidden.Permission)

	d, err := env.Engine.CreateDirective(env.Ctx, engine.DirectiveCreateOptions{Title: "x", Type: domain.TypeFeature, ActorID: "bot"})
	require.NoError(t, err)

	_, err = env.Engine.RecordVerdict(env.Ctx, engine.VerdictInput{DirectiveID: d.ID, Code: "security", Verdict: domain.VerdictPass, ActorID: "bot"})
	require.ErrorAs(t, err, &forbidden)

	_, err = env.Engine.RecordVerdict(env.Ctx, engine.VerdictInput{DirectiveID: d.ID, Code: "security", Verdict: domain.VerdictPass, ActorID: "alice"})
	var notVerifier auth.ForbiddenVerifierError
	require.ErrorAs(t, err, &notVerifier)

	_, err = env.Engine.RecordVerdict(env.Ctx, engine.VerdictInput{DirectiveID: d.ID, Code: "security", Verdict: domain.VerdictPass, ActorID: "sec"})
	require.NoError(t, err)
	_, err = env.Engine.RecordVerdict(env.Ctx, engine.VerdictInput{DirectiveID: d.ID, Code: "performance", Verdict: domain.VerdictPass, ActorID: auth.SystemActor})
	require.NoError(t, err)
}

func TestRecordVerdictValidation(t *testing.T) {
	env := newTestEnv(t)
	d := create(t, env, domain.TypeFeature, "")
	cases := []engine.VerdictInput{
		{DirectiveID: d.ID, Code: "", Verdict: domain.VerdictPass},
		{DirectiveID: d.ID, Code: "security", Verdict: "maybe"},
		{DirectiveID: d.ID, Code: "security", Verdict: domain.VerdictPass, Confidence: 101},
		{DirectiveID: d.ID, Code: "astrology", Verdict: domain.VerdictPass},
	}
	for _, in := range cases {
		if _, err := env.Engine.RecordVerdict(env.Ctx, in); !errors.Is(err, engine.ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", in, err)
		}
	}
	verdict(t, env, d.ID, "security", domain.VerdictFail)
	verdict(t, env, d.ID, "security", domain.VerdictPass)
	history, err := env.Engine.ListVerdicts(env.Ctx, d.ID, "security")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, domain.VerdictFail, history[0].Verdict)

	rep, err := env.Engine.CheckVerifiers(env.Ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, rep.Satisfied)
	assert.Equal(t, []string{"performance verifier pending"}, rep.Reasons)
}
