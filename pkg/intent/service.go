package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Mycelia-Labs/mycelia/core/pkg/contracts"
	"github.com/Mycelia-Labs/mycelia/core/pkg/crypto"
	"github.com/Mycelia-Labs/mycelia/core/pkg/store"
)

// Repository is the durable write-through store behind the service. Satisfied
// by store.IntentRepository.
type Repository interface {
	Insert(ctx context.Context, rec *contracts.IntentRecord) error
	UpdateStatus(ctx context.Context, id string, next contracts.IntentStatus) error
	Resolve(ctx context.Context, id string, terminal contracts.IntentStatus, receipt *contracts.IntentReceipt, resolvedAt time.Time) error
	FindByIdempotencyKey(ctx context.Context, key string) (*contracts.IntentRecord, error)
	FindRecent(ctx context.Context, limit int, typ contracts.IntentType) ([]*contracts.IntentRecord, error)
}

// Authorizer decides whether a role may submit an intent type.
type Authorizer interface {
	Check(role string, typ contracts.IntentType) (allowed bool, missing string)
}

// Auditor receives one entry per accepted intent. Rejections are never audited.
type Auditor interface {
	Append(ctx context.Context, eventType, actorID, action string, details map[string]any) (*contracts.AuditEvent, error)
}

// Reason is one preview finding. Blocking reasons reject non-preview
// submissions; advisory ones only inform the operator.
type Reason struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Blocking bool   `json:"blocking"`
}

// Guard inspects a submission before acceptance and reports blockers.
type Guard func(rec *contracts.IntentRecord, def Definition) []Reason

// Metrics receives pipeline telemetry. The observability provider implements
// it; a no-op sink is used when none is configured.
type Metrics interface {
	RecordSubmission(ctx context.Context, intentType, outcome string)
	RecordRejection(ctx context.Context, intentType, code string)
	TrackIntent(ctx context.Context, intentType string) (context.Context, func(error))
}

type nopMetrics struct{}

func (nopMetrics) RecordSubmission(context.Context, string, string) {}
func (nopMetrics) RecordRejection(context.Context, string, string)  {}
func (nopMetrics) TrackIntent(ctx context.Context, _ string) (context.Context, func(error)) {
	return ctx, func(error) {}
}

// Result is the outcome of one submission attempt. RecordJSON carries the
// accept-time serialization of the record; idempotent replays return the same
// bytes as the original acceptance.
type Result struct {
	Outcome           contracts.SubmitOutcome
	Record            *contracts.IntentRecord
	RecordJSON        json.RawMessage
	Reasons           []Reason
	MissingPermission string
	CurrentStateHash  string
	EventID           uint64
}

type memIntent struct {
	mu         sync.Mutex
	rec        *contracts.IntentRecord
	recordJSON []byte
	ttlTimer   *time.Timer
	deadline   time.Time
	graceUsed  bool
	done       chan struct{}
}

// Service is the operator intent pipeline.
type Service struct {
	repo     Repository
	signer   crypto.Signer
	rbac     Authorizer
	auditor  Auditor
	stream   *Stream
	registry *Registry

	stateHash func() string
	clock     func() time.Time
	log       *slog.Logger

	maxInMemory    int
	retainTerminal time.Duration
	ttlGrace       time.Duration
	verifyRetries  int
	verifyBackoff  time.Duration
	guards         []Guard
	metrics        Metrics

	mu     sync.Mutex
	byID   map[string]*memIntent
	byIdem map[string]*memIntent
}

// Option configures a Service.
type Option func(*Service)

// WithMaxInMemory bounds the number of in-flight intents; past it submissions
// return QUEUE_SATURATED until some resolve.
func WithMaxInMemory(n int) Option { return func(s *Service) { s.maxInMemory = n } }

// WithTerminalRetention sets how long resolved intents stay in the buffer
// before eviction. Retained records answer idempotent replays with the
// accept-time bytes; evicted ones fall back to the durable store.
func WithTerminalRetention(d time.Duration) Option {
	return func(s *Service) { s.retainTerminal = d }
}

// WithTTLGrace caps the one-time TTL extension granted while verification is
// awaiting confirmation.
func WithTTLGrace(d time.Duration) Option { return func(s *Service) { s.ttlGrace = d } }

// WithVerifyRetries sets the bounded verification retry budget.
func WithVerifyRetries(n int, backoff time.Duration) Option {
	return func(s *Service) { s.verifyRetries = n; s.verifyBackoff = backoff }
}

// WithGuard appends a preview guard.
func WithGuard(g Guard) Option { return func(s *Service) { s.guards = append(s.guards, g) } }

// WithServiceClock overrides the wall clock.
func WithServiceClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithMetrics sets the telemetry sink.
func WithMetrics(m Metrics) Option { return func(s *Service) { s.metrics = m } }

// NewService wires the pipeline. stateHash must return the current world
// state fingerprint; it is consulted on every optimistic-concurrency check.
func NewService(repo Repository, signer crypto.Signer, rbac Authorizer, auditor Auditor, stream *Stream, registry *Registry, stateHash func() string, opts ...Option) *Service {
	s := &Service{
		repo:           repo,
		signer:         signer,
		rbac:           rbac,
		auditor:        auditor,
		stream:         stream,
		registry:       registry,
		stateHash:      stateHash,
		clock:          time.Now,
		log:            slog.Default(),
		maxInMemory:    1000,
		retainTerminal: 5 * time.Minute,
		ttlGrace:       2 * time.Second,
		verifyRetries:  3,
		verifyBackoff:  50 * time.Millisecond,
		metrics:        nopMetrics{},
		byID:           make(map[string]*memIntent),
		byIdem:         make(map[string]*memIntent),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit runs the full pipeline for one submission. role is the caller's
// authenticated role; preview stops after the reasoner without side effects.
func (s *Service) Submit(ctx context.Context, rec *contracts.IntentRecord, role string, preview bool) (*Result, error) {
	res, err := s.submit(ctx, rec, role, preview)
	if err == nil && res != nil {
		switch res.Outcome {
		case contracts.OutcomeAccepted, contracts.OutcomeIdempotentHit, contracts.OutcomePreview:
			s.metrics.RecordSubmission(ctx, string(rec.Type), string(res.Outcome))
		default:
			s.metrics.RecordRejection(ctx, string(rec.Type), string(res.Outcome))
		}
	}
	return res, err
}

func (s *Service) submit(ctx context.Context, rec *contracts.IntentRecord, role string, preview bool) (*Result, error) {
	// Shape validation first; nothing below runs on malformed input.
	if reasons := s.validate(rec); len(reasons) > 0 {
		return &Result{Outcome: contracts.OutcomeValidationFail, Reasons: reasons}, nil
	}
	def, _ := s.registry.Lookup(rec.Type)

	ok, err := s.signer.VerifyIntent(rec)
	if err != nil {
		return nil, fmt.Errorf("intent: signature check: %w", err)
	}
	if !ok {
		// Silent from the audit log; hostile traffic is not amplified.
		return &Result{Outcome: contracts.OutcomeBadSignature}, nil
	}

	if allowed, missing := s.rbac.Check(role, rec.Type); !allowed {
		return &Result{Outcome: contracts.OutcomeForbidden, MissingPermission: missing}, nil
	}

	if res := s.idempotentHit(ctx, rec.IdempotencyKey); res != nil {
		return res, nil
	}

	if rec.StateHash != "" {
		if current := s.stateHash(); rec.StateHash != current {
			return &Result{Outcome: contracts.OutcomeStateConflict, CurrentStateHash: current}, nil
		}
	}

	reasons := s.previewReasons(rec, def.Definition)
	if preview {
		return &Result{Outcome: contracts.OutcomePreview, Reasons: reasons}, nil
	}
	for _, r := range reasons {
		if !r.Blocking {
			continue
		}
		outcome := contracts.OutcomeBlockedBreaker
		if r.Code == string(contracts.OutcomeBlockedByCap) {
			outcome = contracts.OutcomeBlockedByCap
		}
		return &Result{Outcome: outcome, Reasons: reasons}, nil
	}

	return s.accept(ctx, rec, def)
}

func (s *Service) validate(rec *contracts.IntentRecord) []Reason {
	var reasons []Reason
	field := func(loc, msg string) {
		reasons = append(reasons, Reason{Code: "schema", Message: loc + ": " + msg, Blocking: true})
	}
	if rec.ID == "" {
		field("id", "required")
	}
	if rec.IdempotencyKey == "" {
		field("idempotency_key", "required")
	}
	if rec.OperatorID == "" {
		field("operator_id", "required")
	}
	if rec.Signature == "" {
		field("signature", "required")
	}
	if rec.TTLSeconds <= 0 {
		field("ttl_seconds", "must be positive")
	}
	if _, ok := s.registry.Lookup(rec.Type); !ok {
		field("type", fmt.Sprintf("unknown intent type %q", rec.Type))
		return reasons
	}
	for _, msg := range s.registry.ValidateParams(rec.Type, rec.Params) {
		reasons = append(reasons, Reason{Code: "schema", Message: msg, Blocking: true})
	}
	return reasons
}

func (s *Service) idempotentHit(ctx context.Context, key string) *Result {
	s.mu.Lock()
	mi, ok := s.byIdem[key]
	s.mu.Unlock()
	if ok {
		mi.mu.Lock()
		defer mi.mu.Unlock()
		return &Result{Outcome: contracts.OutcomeIdempotentHit, Record: mi.rec, RecordJSON: mi.recordJSON}
	}

	// The durable store survives restarts that empty the in-memory maps.
	existing, err := s.repo.FindByIdempotencyKey(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("idempotency lookup failed", "error", err)
		}
		return nil
	}
	body, _ := json.Marshal(existing)
	return &Result{Outcome: contracts.OutcomeIdempotentHit, Record: existing, RecordJSON: body}
}

func (s *Service) previewReasons(rec *contracts.IntentRecord, def Definition) []Reason {
	reasons := []Reason{{Code: "rbac", Message: "role permits " + string(rec.Type)}}
	for _, g := range s.guards {
		reasons = append(reasons, g(rec, def)...)
	}
	return reasons
}

func (s *Service) accept(ctx context.Context, rec *contracts.IntentRecord, def *compiledDef) (*Result, error) {
	now := s.clock()
	rec.Status = contracts.StatusAccepted
	rec.DangerLevel = def.Danger
	rec.AcceptedAt = now
	rec.Version = 1
	if rec.SubmittedAt.IsZero() {
		rec.SubmittedAt = now
	}

	s.mu.Lock()
	// Backpressure is on in-flight work only; resolved records awaiting
	// eviction never count against the cap.
	if s.inFlightLocked() >= s.maxInMemory {
		s.mu.Unlock()
		return &Result{Outcome: contracts.OutcomeQueueSaturated}, nil
	}
	if mi, ok := s.byIdem[rec.IdempotencyKey]; ok {
		s.mu.Unlock()
		mi.mu.Lock()
		defer mi.mu.Unlock()
		return &Result{Outcome: contracts.OutcomeIdempotentHit, Record: mi.rec, RecordJSON: mi.recordJSON}, nil
	}
	mi := &memIntent{rec: rec, done: make(chan struct{})}
	s.byID[rec.ID] = mi
	s.byIdem[rec.IdempotencyKey] = mi
	s.mu.Unlock()

	if err := s.repo.Insert(ctx, rec); err != nil {
		s.mu.Lock()
		delete(s.byID, rec.ID)
		delete(s.byIdem, rec.IdempotencyKey)
		s.mu.Unlock()
		if errors.Is(err, store.ErrDuplicate) {
			if res := s.idempotentHit(ctx, rec.IdempotencyKey); res != nil {
				return res, nil
			}
		}
		return nil, fmt.Errorf("intent: write-through: %w", err)
	}

	details := map[string]any{
		"intent_id": rec.ID,
		"reason":    rec.Reason,
		"danger":    string(rec.DangerLevel),
	}
	if len(rec.Params) > 0 {
		details["params"] = rec.Params
	}
	if _, err := s.auditor.Append(ctx, "intent", rec.OperatorID, string(rec.Type), details); err != nil {
		s.log.Warn("audit append failed", "intent_id", rec.ID, "error", err)
	}

	mi.mu.Lock()
	mi.recordJSON, _ = json.Marshal(rec)
	mi.deadline = now.Add(time.Duration(rec.TTLSeconds) * time.Second)
	mi.ttlTimer = time.AfterFunc(mi.deadline.Sub(now), func() { s.expire(mi) })
	body := mi.recordJSON
	mi.mu.Unlock()

	ev, err := s.stream.Publish(EventAccepted, rec)
	if err != nil {
		s.log.Warn("stream publish failed", "intent_id", rec.ID, "error", err)
	}

	go s.execute(mi, def)

	return &Result{Outcome: contracts.OutcomeAccepted, Record: rec, RecordJSON: body, EventID: ev.ID}, nil
}

// execute drives one intent from ACCEPTED to a terminal status. Single-flight
// per record: the status check under mi.mu makes a second dispatch a no-op.
func (s *Service) execute(mi *memIntent, def *compiledDef) {
	ctx := context.Background()

	mi.mu.Lock()
	if mi.rec.Status != contracts.StatusAccepted {
		mi.mu.Unlock()
		return
	}
	mi.rec.Status = contracts.StatusExecuting
	rec := mi.rec
	mi.mu.Unlock()

	ctx, end := s.metrics.TrackIntent(ctx, string(rec.Type))

	if err := s.repo.UpdateStatus(ctx, rec.ID, contracts.StatusExecuting); err != nil {
		s.log.Error("persist EXECUTING failed", "intent_id", rec.ID, "error", err)
	}
	if _, err := s.stream.Publish(EventExecuting, rec); err != nil {
		s.log.Warn("stream publish failed", "intent_id", rec.ID, "error", err)
	}

	receipt, err := s.runExecutor(ctx, rec, def)
	if err != nil {
		end(err)
		s.resolve(mi, contracts.StatusFailed, &contracts.IntentReceipt{Error: err.Error()})
		return
	}
	if receipt == nil {
		receipt = &contracts.IntentReceipt{Effect: "none"}
	}

	if def.Verify != nil {
		s.extendForVerification(mi)
		v := s.verifyWithRetries(ctx, rec, receipt, def.Verify)
		receipt.VerificationEvidence = v.Evidence
		if v.Verified {
			receipt.Verification = "verified"
		} else {
			// Complete but unproven; the operator sees the distinction in
			// the receipt.
			receipt.Verification = "unverified"
		}
	}

	end(nil)
	s.resolve(mi, contracts.StatusVerified, receipt)
}

func (s *Service) runExecutor(ctx context.Context, rec *contracts.IntentRecord, def *compiledDef) (receipt *contracts.IntentReceipt, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return def.Execute(ctx, rec)
}

func (s *Service) verifyWithRetries(ctx context.Context, rec *contracts.IntentRecord, receipt *contracts.IntentReceipt, verify Verifier) Verification {
	var last Verification
	for attempt := 0; attempt <= s.verifyRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.verifyBackoff)
		}
		v, err := verify(ctx, rec, receipt)
		if err != nil {
			last = Verification{Evidence: []string{"verifier error: " + err.Error()}}
			continue
		}
		if v.Verified {
			return v
		}
		last = v
	}
	return last
}

// extendForVerification grants at most one TTL extension, capped by the
// configured grace, so broker confirmation has room to land.
func (s *Service) extendForVerification(mi *memIntent) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if mi.graceUsed || mi.ttlTimer == nil || mi.rec.Status.Terminal() {
		return
	}
	mi.graceUsed = true
	mi.deadline = mi.deadline.Add(s.ttlGrace)
	mi.ttlTimer.Reset(time.Until(mi.deadline))
}

func (s *Service) expire(mi *memIntent) {
	s.resolve(mi, contracts.StatusExpired, &contracts.IntentReceipt{Effect: "none", Error: "ttl_exceeded"})
}

// Cancel resolves a non-terminal intent as EXPIRED on the operator's behalf.
// Races with execution are settled by first-writer-wins in resolve.
func (s *Service) Cancel(ctx context.Context, id, operatorID string) error {
	s.mu.Lock()
	mi, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	s.resolve(mi, contracts.StatusExpired, &contracts.IntentReceipt{Effect: "none", Error: "cancelled by " + operatorID})
	return nil
}

// resolve writes the terminal status. The first writer wins; later callers
// find a terminal record and back off.
func (s *Service) resolve(mi *memIntent, terminal contracts.IntentStatus, receipt *contracts.IntentReceipt) {
	ctx := context.Background()

	mi.mu.Lock()
	if mi.rec.Status.Terminal() || !contracts.CanTransition(mi.rec.Status, terminal) {
		mi.mu.Unlock()
		return
	}
	now := s.clock()
	mi.rec.Status = terminal
	mi.rec.ResolvedAt = &now
	mi.rec.Receipt = receipt
	if mi.ttlTimer != nil {
		mi.ttlTimer.Stop()
	}
	rec := mi.rec
	close(mi.done)
	mi.mu.Unlock()

	if err := s.repo.Resolve(ctx, rec.ID, terminal, receipt, now); err != nil {
		s.log.Error("persist terminal status failed", "intent_id", rec.ID, "status", string(terminal), "error", err)
	}
	if _, err := s.stream.Publish(terminalEvent(terminal), rec); err != nil {
		s.log.Warn("stream publish failed", "intent_id", rec.ID, "error", err)
	}

	time.AfterFunc(s.retainTerminal, func() { s.evict(mi) })
}

// evict removes a terminal record from the buffer. Idempotent replays past
// this point are served from the durable store.
func (s *Service) evict(mi *memIntent) {
	mi.mu.Lock()
	id := mi.rec.ID
	key := mi.rec.IdempotencyKey
	terminal := mi.rec.Status.Terminal()
	mi.mu.Unlock()
	if !terminal {
		return
	}

	s.mu.Lock()
	if cur, ok := s.byID[id]; ok && cur == mi {
		delete(s.byID, id)
	}
	if cur, ok := s.byIdem[key]; ok && cur == mi {
		delete(s.byIdem, key)
	}
	s.mu.Unlock()
}

func terminalEvent(st contracts.IntentStatus) string {
	switch st {
	case contracts.StatusVerified:
		return EventVerified
	case contracts.StatusFailed:
		return EventFailed
	default:
		return EventExpired
	}
}

// Await returns a channel closed when the intent reaches a terminal status.
func (s *Service) Await(id string) (<-chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mi, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return mi.done, true
}

// Get returns the in-memory record for an intent ID.
func (s *Service) Get(id string) (*contracts.IntentRecord, bool) {
	s.mu.Lock()
	mi, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	mi.mu.Lock()
	defer mi.mu.Unlock()
	rec := *mi.rec
	return &rec, true
}

// Recent returns the newest records from the durable store.
func (s *Service) Recent(ctx context.Context, limit int) ([]*contracts.IntentRecord, error) {
	return s.repo.FindRecent(ctx, limit, "")
}

// HydrateFromRepo loads recent records into memory after a restart. An
// in-memory record that is terminal never yields to a non-terminal row; a
// terminal row always replaces a non-terminal in-memory record.
func (s *Service) HydrateFromRepo(ctx context.Context, limit int) error {
	records, err := s.repo.FindRecent(ctx, limit, "")
	if err != nil {
		return fmt.Errorf("intent: hydrate: %w", err)
	}
	now := s.clock()
	for _, rec := range records {
		s.mu.Lock()
		existing, ok := s.byID[rec.ID]
		if ok {
			existing.mu.Lock()
			replace := rec.Status.Terminal() && !existing.rec.Status.Terminal()
			if replace {
				existing.rec = rec
				existing.recordJSON, _ = json.Marshal(rec)
				if existing.ttlTimer != nil {
					existing.ttlTimer.Stop()
				}
				close(existing.done)
			}
			existing.mu.Unlock()
			s.mu.Unlock()
			if replace {
				time.AfterFunc(s.retainTerminal, func() { s.evict(existing) })
			}
			continue
		}
		mi := &memIntent{rec: rec, done: make(chan struct{})}
		mi.recordJSON, _ = json.Marshal(rec)
		if rec.Status.Terminal() {
			close(mi.done)
		}
		s.byID[rec.ID] = mi
		s.byIdem[rec.IdempotencyKey] = mi
		s.mu.Unlock()

		if rec.Status.Terminal() {
			time.AfterFunc(s.retainTerminal, func() { s.evict(mi) })
			continue
		}

		deadline := rec.AcceptedAt.Add(time.Duration(rec.TTLSeconds) * time.Second)
		mi.deadline = deadline
		if !deadline.After(now) {
			s.expire(mi)
			continue
		}
		mi.mu.Lock()
		mi.ttlTimer = time.AfterFunc(deadline.Sub(now), func() { s.expire(mi) })
		mi.mu.Unlock()
	}
	return nil
}

// InFlight counts non-terminal in-memory intents.
func (s *Service) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlightLocked()
}

func (s *Service) inFlightLocked() int {
	n := 0
	for _, mi := range s.byID {
		mi.mu.Lock()
		if !mi.rec.Status.Terminal() {
			n++
		}
		mi.mu.Unlock()
	}
	return n
}

// InFlightByDanger counts non-terminal in-memory intents whose definition
// carries the given danger level. Feeds the critical-intent cap guard.
func (s *Service) InFlightByDanger(level contracts.DangerLevel) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, mi := range s.byID {
		mi.mu.Lock()
		terminal := mi.rec.Status.Terminal()
		typ := mi.rec.Type
		mi.mu.Unlock()
		if terminal {
			continue
		}
		if def, ok := s.registry.Lookup(typ); ok && def.Danger == level {
			n++
		}
	}
	return n
}
