package intent

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mycelia-Labs/mycelia/core/pkg/audit"
	"github.com/Mycelia-Labs/mycelia/core/pkg/authz"
	"github.com/Mycelia-Labs/mycelia/core/pkg/breaker"
	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
	"github.com/Mycelia-Labs/mycelia/core/pkg/crypto"
	"github.com/Mycelia-Labs/mycelia/core/pkg/state"
	"github.com/Mycelia-Labs/mycelia/core/pkg/store"
)

type fakeRepo struct {
	mu     sync.Mutex
	byID   map[string]*contracts.IntentRecord
	byIdem map[string]*contracts.IntentRecord
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byID:   make(map[string]*contracts.IntentRecord),
		byIdem: make(map[string]*contracts.IntentRecord),
	}
}

func (r *fakeRepo) Insert(_ context.Context, rec *contracts.IntentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[rec.ID]; ok {
		return store.ErrDuplicate
	}
	if _, ok := r.byIdem[rec.IdempotencyKey]; ok {
		return store.ErrDuplicate
	}
	cp := *rec
	r.byID[rec.ID] = &cp
	r.byIdem[rec.IdempotencyKey] = &cp
	return nil
}

func (r *fakeRepo) UpdateStatus(_ context.Context, id string, next contracts.IntentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if !contracts.CanTransition(rec.Status, next) {
		return store.ErrBadTransition
	}
	rec.Status = next
	return nil
}

func (r *fakeRepo) Resolve(_ context.Context, id string, terminal contracts.IntentStatus, receipt *contracts.IntentReceipt, resolvedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return store.ErrNotFound
	}
	if !contracts.CanTransition(rec.Status, terminal) {
		return store.ErrBadTransition
	}
	rec.Status = terminal
	rec.Receipt = receipt
	rec.ResolvedAt = &resolvedAt
	return nil
}

func (r *fakeRepo) FindByIdempotencyKey(_ context.Context, key string) (*contracts.IntentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeRepo) FindRecent(_ context.Context, limit int, typ contracts.IntentType) ([]*contracts.IntentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*contracts.IntentRecord
	for _, rec := range r.byID {
		if typ != "" && rec.Type != typ {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcceptedAt.After(out[j].AcceptedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

type pipeline struct {
	svc      *Service
	repo     *fakeRepo
	signer   *crypto.HMACSigner
	auditLog *audit.Log
	world    *state.Manager
	breakers *breaker.Tree
	stream   *Stream
}

type nopBus struct{}

func (nopBus) Publish(context.Context, string, any) error { return nil }

func newPipeline(t *testing.T, opts ...Option) *pipeline {
	t.Helper()

	signer, err := crypto.NewHMACSigner([]byte("test-ops-secret"))
	require.NoError(t, err)

	world := state.NewManager()
	breakers := breaker.NewTree(world)
	auditLog := audit.NewLog(&bytes.Buffer{})
	stream := NewStream(128)
	repo := newFakeRepo()

	registry := NewRegistry()
	builtins := &Builtins{State: world, Breakers: breakers, Bus: nopBus{}}
	require.NoError(t, builtins.Register(registry))

	opts = append([]Option{WithGuard(BreakerGuard(breakers))}, opts...)
	svc := NewService(repo, signer, authz.DefaultTable(), auditLog, stream, registry, world.StateHash, opts...)
	builtins.CancelIntent = svc.Cancel

	return &pipeline{svc: svc, repo: repo, signer: signer, auditLog: auditLog, world: world, breakers: breakers, stream: stream}
}

func (p *pipeline) signed(t *testing.T, typ contracts.IntentType, idem string, params map[string]any) *contracts.IntentRecord {
	t.Helper()
	rec := &contracts.IntentRecord{
		ID:             uuid.NewString(),
		IdempotencyKey: idem,
		Type:           typ,
		Params:         params,
		OperatorID:     "op-1",
		Reason:         "test",
		TTLSeconds:     30,
	}
	sig, err := p.signer.SignIntent(rec.ID, rec.Type, rec.Params, rec.OperatorID)
	require.NoError(t, err)
	rec.Signature = sig
	return rec
}

func (p *pipeline) await(t *testing.T, id string) {
	t.Helper()
	done, ok := p.svc.Await(id)
	require.True(t, ok)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("intent %s did not resolve", id)
	}
}

func TestSubmit_ArmIdempotentHit(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	rec := p.signed(t, contracts.IntentArm, "idem-1", nil)
	first, err := p.svc.Submit(ctx, rec, "operator", false)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeAccepted, first.Outcome)

	second, err := p.svc.Submit(ctx, p.signed(t, contracts.IntentArm, "idem-1", nil), "operator", false)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeIdempotentHit, second.Outcome)
	assert.Equal(t, []byte(first.RecordJSON), []byte(second.RecordJSON),
		"replayed submission must return the original accept body")

	p.await(t, rec.ID)
	ws, _ := p.world.Snapshot()
	assert.True(t, ws.Armed)
	assert.Equal(t, 1, p.auditLog.Len(), "one audit entry per accepted intent")
	assert.Equal(t, 1, p.repo.count(), "one repository record despite two submissions")
}

func TestSubmit_BadSignatureIsSilent(t *testing.T) {
	p := newPipeline(t)

	rec := p.signed(t, contracts.IntentDisarm, "idem-sig", nil)
	rec.Signature = "0000000000000000000000000000000000000000000000000000000000000000"

	res, err := p.svc.Submit(context.Background(), rec, "operator", false)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeBadSignature, res.Outcome)
	assert.Equal(t, 0, p.repo.count(), "rejection before persistence")
	assert.Equal(t, 0, p.auditLog.Len(), "auth failures are not audited")
	assert.Zero(t, p.stream.LastID(), "no SSE event for a rejected submission")
}

func TestSubmit_StaleStateHashConflicts(t *testing.T) {
	p := newPipeline(t)

	rec := p.signed(t, contracts.IntentSetMode, "idem-conflict", map[string]any{"mode": "live"})
	rec.StateHash = "deadbeefdeadbeef"

	res, err := p.svc.Submit(context.Background(), rec, "operator", false)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeStateConflict, res.Outcome)
	assert.Equal(t, p.world.StateHash(), res.CurrentStateHash)
	ws, _ := p.world.Snapshot()
	assert.Empty(t, ws.Mode, "mode unchanged on conflict")
}

func TestSubmit_CurrentStateHashNeverConflicts(t *testing.T) {
	p := newPipeline(t)

	rec := p.signed(t, contracts.IntentSetMode, "idem-fresh", map[string]any{"mode": "shadow"})
	rec.StateHash = p.world.StateHash()
	sig, err := p.signer.SignIntent(rec.ID, rec.Type, rec.Params, rec.OperatorID)
	require.NoError(t, err)
	rec.Signature = sig

	res, err := p.svc.Submit(context.Background(), rec, "operator", false)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeAccepted, res.Outcome)
	p.await(t, rec.ID)
	ws, _ := p.world.Snapshot()
	assert.Equal(t, "shadow", ws.Mode)
}

func TestSubmit_ValidationFailure(t *testing.T) {
	p := newPipeline(t)

	rec := p.signed(t, contracts.IntentSetMode, "idem-bad-mode", map[string]any{"mode": "yolo"})
	res, err := p.svc.Submit(context.Background(), rec, "operator", false)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeValidationFail, res.Outcome)
	require.NotEmpty(t, res.Reasons)
	assert.Equal(t, 0, p.repo.count())
}

func TestSubmit_RBACDenyNamesMissingPermission(t *testing.T) {
	p := newPipeline(t)

	rec := p.signed(t, contracts.IntentFlatten, "idem-rbac", nil)
	res, err := p.svc.Submit(context.Background(), rec, "viewer", false)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeForbidden, res.Outcome)
	assert.Equal(t, "viewer:FLATTEN", res.MissingPermission)
	assert.Equal(t, 0, p.auditLog.Len())
}

func TestSubmit_SuperadminBypassesTable(t *testing.T) {
	p := newPipeline(t)

	rec := p.signed(t, contracts.IntentResume, "idem-super", nil)
	res, err := p.svc.Submit(context.Background(), rec, authz.RoleSuperadmin, false)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeAccepted, res.Outcome)
	p.await(t, rec.ID)
}

func TestSubmit_BreakerBlocksTradingIntents(t *testing.T) {
	p := newPipeline(t)
	require.NoError(t, p.breakers.Trip(context.Background(), contracts.LayerReflex, "feed gap"))

	rec := p.signed(t, contracts.IntentArm, "idem-blocked", nil)
	res, err := p.svc.Submit(context.Background(), rec, "operator", false)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeBlockedBreaker, res.Outcome)
	assert.Equal(t, 0, p.repo.count())
}

func TestSubmit_PreviewHasNoSideEffects(t *testing.T) {
	p := newPipeline(t)

	rec := p.signed(t, contracts.IntentArm, "idem-preview", nil)
	res, err := p.svc.Submit(context.Background(), rec, "operator", true)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomePreview, res.Outcome)
	assert.NotEmpty(t, res.Reasons)
	assert.Equal(t, 0, p.repo.count())
	assert.Equal(t, 0, p.auditLog.Len())
	assert.Zero(t, p.stream.LastID())
}

func TestSubmit_QueueSaturation(t *testing.T) {
	p := newPipeline(t, WithMaxInMemory(1))
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.svc.registry.Register(Definition{
		Type:         contracts.IntentType("HELD_OP"),
		ParamsSchema: emptyParamsSchema,
		Danger:       contracts.DangerSafe,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			<-release
			return nil, nil
		},
	}))

	first, err := p.svc.Submit(ctx, p.signed(t, "HELD_OP", "idem-a", nil), authz.RoleSuperadmin, false)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeAccepted, first.Outcome)

	second, err := p.svc.Submit(ctx, p.signed(t, "HELD_OP", "idem-b", nil), authz.RoleSuperadmin, false)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeQueueSaturated, second.Outcome)
}

func TestSubmit_ResolvedIntentsFreeSaturationSlots(t *testing.T) {
	p := newPipeline(t, WithMaxInMemory(2))
	ctx := context.Background()

	for _, idem := range []string{"idem-slot-a", "idem-slot-b"} {
		rec := p.signed(t, contracts.IntentDisarm, idem, nil)
		res, err := p.svc.Submit(ctx, rec, "operator", false)
		require.NoError(t, err)
		require.Equal(t, contracts.OutcomeAccepted, res.Outcome)
		p.await(t, rec.ID)
	}
	require.Equal(t, 0, p.svc.InFlight())

	res, err := p.svc.Submit(ctx, p.signed(t, contracts.IntentDisarm, "idem-slot-c", nil), "operator", false)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeAccepted, res.Outcome,
		"resolved intents must not hold saturation slots")
}

func TestResolve_EvictedTerminalReplaysFromStore(t *testing.T) {
	p := newPipeline(t, WithTerminalRetention(0))
	ctx := context.Background()

	rec := p.signed(t, contracts.IntentArm, "idem-evict", nil)
	res, err := p.svc.Submit(ctx, rec, "operator", false)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeAccepted, res.Outcome)
	p.await(t, rec.ID)

	require.Eventually(t, func() bool {
		_, ok := p.svc.Get(rec.ID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "terminal record leaves the buffer after retention")

	replay, err := p.svc.Submit(ctx, p.signed(t, contracts.IntentArm, "idem-evict", nil), "operator", false)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeIdempotentHit, replay.Outcome)
	require.NotNil(t, replay.Record)
	assert.Equal(t, contracts.StatusVerified, replay.Record.Status)
}

func TestLifecycle_VerifiedWithEvidence(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	rec := p.signed(t, contracts.IntentArm, "idem-verify", nil)
	res, err := p.svc.Submit(ctx, rec, "operator", false)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeAccepted, res.Outcome)
	p.await(t, rec.ID)

	got, ok := p.svc.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, contracts.StatusVerified, got.Status)
	require.NotNil(t, got.Receipt)
	assert.Equal(t, "verified", got.Receipt.Verification)
	assert.NotEmpty(t, got.Receipt.VerificationEvidence)
	assert.NotNil(t, got.ResolvedAt)
}

func TestLifecycle_ExecutorErrorResolvesFailed(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	// ROLLBACK_CONFIG with no config registry wired panics in the executor;
	// the pipeline must translate that into a FAILED resolution.
	rec := p.signed(t, contracts.IntentRollbackConfig, "idem-fail", map[string]any{"key": "missing"})
	res, err := p.svc.Submit(ctx, rec, authz.RoleSuperadmin, false)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeAccepted, res.Outcome)
	p.await(t, rec.ID)

	got, ok := p.svc.Get(rec.ID)
	require.True(t, ok)
	assert.Equal(t, contracts.StatusFailed, got.Status)
	require.NotNil(t, got.Receipt)
	assert.Contains(t, got.Receipt.Error, "panic")
}

func TestLifecycle_TTLExpiryBeatsSlowExecutor(t *testing.T) {
	p := newPipeline(t, WithTTLGrace(0))
	ctx := context.Background()

	release := make(chan struct{})
	require.NoError(t, p.svc.registry.Register(Definition{
		Type:         contracts.IntentType("SLOW_OP"),
		ParamsSchema: emptyParamsSchema,
		Danger:       contracts.DangerSafe,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			<-release
			return &contracts.IntentReceipt{Effect: "late"}, nil
		},
	}))

	rec := p.signed(t, "SLOW_OP", "idem-slow", nil)
	rec.TTLSeconds = 1
	sig, err := p.signer.SignIntent(rec.ID, rec.Type, rec.Params, rec.OperatorID)
	require.NoError(t, err)
	rec.Signature = sig

	res, err := p.svc.Submit(ctx, rec, authz.RoleSuperadmin, false)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeAccepted, res.Outcome)

	p.await(t, rec.ID)
	got, _ := p.svc.Get(rec.ID)
	assert.Equal(t, contracts.StatusExpired, got.Status)
	assert.Equal(t, "ttl_exceeded", got.Receipt.Error)

	// The late executor result must not overwrite the terminal status.
	close(release)
	time.Sleep(50 * time.Millisecond)
	got, _ = p.svc.Get(rec.ID)
	assert.Equal(t, contracts.StatusExpired, got.Status)
}

func TestCancel_ResolvesNonTerminalIntent(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, p.svc.registry.Register(Definition{
		Type:         contracts.IntentType("STUCK_OP"),
		ParamsSchema: emptyParamsSchema,
		Danger:       contracts.DangerSafe,
		Execute: func(ctx context.Context, rec *contracts.IntentRecord) (*contracts.IntentReceipt, error) {
			<-release
			return nil, nil
		},
	}))

	rec := p.signed(t, "STUCK_OP", "idem-stuck", nil)
	sig, err := p.signer.SignIntent(rec.ID, rec.Type, rec.Params, rec.OperatorID)
	require.NoError(t, err)
	rec.Signature = sig

	res, err := p.svc.Submit(ctx, rec, authz.RoleSuperadmin, false)
	require.NoError(t, err)
	require.Equal(t, contracts.OutcomeAccepted, res.Outcome)

	require.NoError(t, p.svc.Cancel(ctx, rec.ID, "op-2"))
	p.await(t, rec.ID)
	got, _ := p.svc.Get(rec.ID)
	assert.Equal(t, contracts.StatusExpired, got.Status)
	assert.Contains(t, got.Receipt.Error, "cancelled by op-2")
}

func TestHydrate_TerminalNeverYields(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	now := time.Now().UTC()
	resolved := now.Add(-time.Minute)
	terminal := &contracts.IntentRecord{
		ID:             "int-done",
		IdempotencyKey: "idem-done",
		Type:           contracts.IntentDisarm,
		OperatorID:     "op-1",
		Status:         contracts.StatusVerified,
		AcceptedAt:     now.Add(-2 * time.Minute),
		TTLSeconds:     30,
		ResolvedAt:     &resolved,
		Receipt:        &contracts.IntentReceipt{Effect: "trading disarmed"},
	}
	require.NoError(t, p.repo.Insert(ctx, terminal))

	require.NoError(t, p.svc.HydrateFromRepo(ctx, 100))
	got, ok := p.svc.Get("int-done")
	require.True(t, ok)
	assert.Equal(t, contracts.StatusVerified, got.Status)

	done, ok := p.svc.Await("int-done")
	require.True(t, ok)
	select {
	case <-done:
	default:
		t.Fatal("hydrated terminal intent must have a closed done channel")
	}
}

func TestHydrate_TerminalBacklogDoesNotSaturate(t *testing.T) {
	p := newPipeline(t, WithMaxInMemory(1))
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		resolved := now.Add(-time.Minute)
		require.NoError(t, p.repo.Insert(ctx, &contracts.IntentRecord{
			ID:             fmt.Sprintf("int-hist-%d", i),
			IdempotencyKey: fmt.Sprintf("idem-hist-%d", i),
			Type:           contracts.IntentDisarm,
			OperatorID:     "op-1",
			Status:         contracts.StatusVerified,
			AcceptedAt:     now.Add(-2 * time.Minute),
			TTLSeconds:     30,
			ResolvedAt:     &resolved,
			Receipt:        &contracts.IntentReceipt{Effect: "trading disarmed"},
		}))
	}

	require.NoError(t, p.svc.HydrateFromRepo(ctx, 100))
	require.Equal(t, 0, p.svc.InFlight())

	res, err := p.svc.Submit(ctx, p.signed(t, contracts.IntentArm, "idem-post-boot", nil), "operator", false)
	require.NoError(t, err)
	assert.Equal(t, contracts.OutcomeAccepted, res.Outcome,
		"hydrated history must never consume submission capacity")
}

func TestHydrate_StaleNonTerminalExpires(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	stale := &contracts.IntentRecord{
		ID:             "int-stale",
		IdempotencyKey: "idem-stale",
		Type:           contracts.IntentDisarm,
		OperatorID:     "op-1",
		Status:         contracts.StatusAccepted,
		AcceptedAt:     time.Now().UTC().Add(-time.Hour),
		TTLSeconds:     30,
	}
	require.NoError(t, p.repo.Insert(ctx, stale))

	require.NoError(t, p.svc.HydrateFromRepo(ctx, 100))
	got, ok := p.svc.Get("int-stale")
	require.True(t, ok)
	assert.Equal(t, contracts.StatusExpired, got.Status)
}
