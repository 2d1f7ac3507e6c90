package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
	"github.com/Mindburn-Labs/cortex/pkg/guards"
	"github.com/Mindburn-Labs/cortex/pkg/observe"
	"github.com/Mindburn-Labs/cortex/pkg/storelog"
)

const keyPartitions = 64

var (
	// ErrRateLimited means the source exceeded its ingestion budget.
	ErrRateLimited = errors.New("ingest: rate limited")
	// ErrStorage wraps observation-store append failures; callers
	// surface these as 503 and may retry.
	ErrStorage = errors.New("ingest: storage append failed")
)

// Result is the outcome of one submission.
type Result struct {
	Accepted    bool                       `json:"accepted"`
	EventID     string                     `json:"event_id,omitempty"`
	ReasonCode  contracts.QuarantineReason `json:"reason_code,omitempty"`
	Diagnostics string                     `json:"diagnostics,omitempty"`
}

// Status aggregates ingestion counters for the status endpoint.
type Status struct {
	Accepted    int64            `json:"accepted"`
	Quarantined map[string]int64 `json:"quarantined"`
	RateLimited int64            `json:"rate_limited"`
}

// ObservationWriter is the store's append surface. A restricted store
// hands the pipeline its *observe.Writer; an unrestricted store serves
// directly.
type ObservationWriter interface {
	AppendEvent(contracts.Event) error
	AppendMetric(contracts.Metric) error
}

// Pipeline runs the fixed gate sequence and owns the DLQ.
type Pipeline struct {
	validator *Validator
	idemp     IdempotencyIndex
	store     *observe.Store
	writer    ObservationWriter
	dlq       *storelog.Log
	limiter   SourceLimiter
	logger    *slog.Logger

	skewPast   time.Duration
	skewFuture time.Duration

	clock func() time.Time
	newID func(prefix string) string

	keyLocks [keyPartitions]sync.Mutex

	accepted      atomic.Int64
	rateLimited   atomic.Int64
	quarantinedMu sync.Mutex
	quarantined   map[contracts.QuarantineReason]int64
}

// Options configures a Pipeline.
type Options struct {
	Validator  *Validator
	Index      IdempotencyIndex
	Store      *observe.Store
	Writer     ObservationWriter // nil = append via Store
	DLQPath    string            // empty = memory-only DLQ
	Limiter    SourceLimiter
	SkewPast   time.Duration
	SkewFuture time.Duration
	Logger     *slog.Logger
}

// NewPipeline wires the pipeline and opens the DLQ log.
func NewPipeline(opts Options) (*Pipeline, error) {
	dlq, err := storelog.Open(opts.DLQPath)
	if err != nil {
		return nil, fmt.Errorf("ingest: open dlq: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	writer := opts.Writer
	if writer == nil {
		writer = opts.Store
	}
	return &Pipeline{
		validator:   opts.Validator,
		idemp:       opts.Index,
		store:       opts.Store,
		writer:      writer,
		dlq:         dlq,
		limiter:     opts.Limiter,
		logger:      logger,
		skewPast:    opts.SkewPast,
		skewFuture:  opts.SkewFuture,
		clock:       time.Now,
		newID:       func(prefix string) string { return prefix + "-" + uuid.NewString() },
		quarantined: make(map[contracts.QuarantineReason]int64),
	}, nil
}

// WithClock overrides the clock for deterministic tests.
func (p *Pipeline) WithClock(clock func() time.Time) *Pipeline {
	p.clock = clock
	return p
}

// WithIDSource overrides ID minting for deterministic tests.
func (p *Pipeline) WithIDSource(newID func(prefix string) string) *Pipeline {
	p.newID = newID
	return p
}

// SubmitRaw runs the full gate sequence over a raw JSON envelope.
func (p *Pipeline) SubmitRaw(ctx context.Context, raw []byte) (*Result, error) {
	env, fieldErrs := p.validator.ValidateRaw(raw)
	if len(fieldErrs) > 0 {
		res := p.quarantineSchema(fieldErrs, env)
		return res, nil
	}
	return p.Submit(ctx, env)
}

// Submit runs gates 2–6 over a schema-valid envelope: idempotency,
// skew, category, tenant derivation, normalization. Exactly one store
// append on accept, exactly one DLQ append on quarantine.
func (p *Pipeline) Submit(ctx context.Context, env *contracts.Envelope) (*Result, error) {
	if p.limiter != nil {
		allowed, err := p.limiter.Allow(ctx, env.SourceSignature.ToolName)
		if err != nil {
			p.logger.Warn("rate limiter degraded, failing open", "error", err)
		}
		if !allowed {
			p.rateLimited.Add(1)
			return nil, ErrRateLimited
		}
	}

	// Events are raw facts; a pre-judged severity is a fatal guard
	// violation, not a quarantine.
	guards.RejectSeverityOnIngest(env.EventID, env.NormalizedEvent.Metadata)

	lock := &p.keyLocks[keyPartition(env.IdempotencyKey)]
	lock.Lock()
	defer lock.Unlock()

	// Gate 2: idempotency.
	if prior, err := p.idemp.Lookup(ctx, env.IdempotencyKey); err == nil {
		return p.quarantine(env, contracts.ReasonDuplicate,
			fmt.Sprintf("idempotency_key already bound to event %s", prior.EventID)), nil
	} else if !errors.Is(err, ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: idempotency lookup: %v", ErrStorage, err)
	}

	// Gate 3: skew. Rejection here must not consume the key.
	now := p.clock().UTC()
	if diag := CheckSkew(now, env.EventSourceTS, p.skewPast, p.skewFuture); diag != "" {
		return p.quarantine(env, contracts.ReasonLateEvent, diag), nil
	}

	// Gate 4: category payloads.
	if errs := ValidateCategory(env); len(errs) > 0 {
		return p.quarantineSchema(errs, env), nil
	}

	// Gates 5–6: tenant derivation and normalization, under a durable
	// reservation. The WAL copy lets the startup sweep finish a
	// submission that crashed between reserve and append.
	eventID := p.newID("evt")
	wal, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("ingest: marshal wal envelope: %w", err)
	}
	if err := p.idemp.Reserve(ctx, env.IdempotencyKey, eventID, now, wal); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			return p.quarantine(env, contracts.ReasonDuplicate, "idempotency_key reserved concurrently"), nil
		}
		return nil, fmt.Errorf("%w: reserve: %v", ErrStorage, err)
	}

	if err := p.appendNormalized(env, eventID, now); err != nil {
		if relErr := p.idemp.Release(ctx, env.IdempotencyKey); relErr != nil {
			p.logger.Error("failed to roll back idempotency reservation", "key", env.IdempotencyKey, "error", relErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := p.idemp.Commit(ctx, env.IdempotencyKey); err != nil {
		p.logger.Error("failed to commit idempotency reservation", "key", env.IdempotencyKey, "error", err)
	}

	p.accepted.Add(1)
	return &Result{Accepted: true, EventID: eventID}, nil
}

// appendNormalized produces the Event (and optional Metric) for an
// accepted envelope and appends to the observation store.
func (p *Pipeline) appendNormalized(env *contracts.Envelope, eventID string, observedAt time.Time) error {
	metadata := map[string]interface{}{
		"tenant_key":      TenantKey(env.EnterpriseCtx),
		"trace_id":        env.TraceID,
		"source_event_id": env.EventID,
		"tool_name":       env.SourceSignature.ToolName,
		"tool_type":       env.SourceSignature.ToolType,
	}
	if env.EnterpriseCtx.DeploymentID != "" {
		metadata["deployment_id"] = env.EnterpriseCtx.DeploymentID
	}
	if env.ActorContext.ActorType != "" {
		metadata["actor_type"] = env.ActorContext.ActorType
	}
	if env.ActorContext.Location != "" {
		metadata["location"] = env.ActorContext.Location
	}
	if env.NormalizedEvent.Outcome != "" {
		metadata["outcome"] = env.NormalizedEvent.Outcome
	}
	for k, v := range env.NormalizedEvent.Metadata {
		metadata[k] = v
	}

	event := contracts.Event{
		EventID:    eventID,
		Type:       env.NormalizedEvent.Type,
		WorkflowID: env.NormalizedEvent.WorkflowID,
		Actor:      env.ActorContext.ActorID,
		Resource:   env.NormalizedEvent.Resource,
		Timestamp:  env.EventSourceTS,
		Metadata:   metadata,
		ObservedAt: observedAt,
	}
	if err := p.writer.AppendEvent(event); err != nil {
		return err
	}

	if mp := env.MetricPayload; mp != nil {
		metric := contracts.Metric{
			MetricID:   p.newID("met"),
			ResourceID: mp.ResourceID,
			MetricName: mp.MetricName,
			Value:      mp.Value,
			Timestamp:  env.EventSourceTS,
			ObservedAt: observedAt,
		}
		if err := p.writer.AppendMetric(metric); err != nil {
			return err
		}
	}
	return nil
}

// RecoverPending is the startup sweep: reservations that never
// committed are either completed from their WAL envelope or released.
func (p *Pipeline) RecoverPending(ctx context.Context) error {
	pending, err := p.idemp.Uncommitted(ctx)
	if err != nil {
		return fmt.Errorf("ingest: recovery sweep: %w", err)
	}
	for _, res := range pending {
		if len(res.WALEnvelope) == 0 {
			if err := p.idemp.Release(ctx, res.Key); err != nil {
				return fmt.Errorf("ingest: release orphan reservation %s: %w", res.Key, err)
			}
			continue
		}

		if p.store.HasRecord(res.EventID) {
			// Append finished before the crash; only the commit is
			// missing.
			if err := p.idemp.Commit(ctx, res.Key); err != nil {
				return fmt.Errorf("ingest: commit recovered reservation %s: %w", res.Key, err)
			}
			continue
		}

		var env contracts.Envelope
		if err := json.Unmarshal(res.WALEnvelope, &env); err != nil {
			p.logger.Error("unreadable wal envelope, releasing reservation", "key", res.Key, "error", err)
			if err := p.idemp.Release(ctx, res.Key); err != nil {
				return fmt.Errorf("ingest: release unreadable reservation %s: %w", res.Key, err)
			}
			continue
		}
		if err := p.appendNormalized(&env, res.EventID, res.FirstSeenAt); err != nil {
			return fmt.Errorf("ingest: replay reservation %s: %w", res.Key, err)
		}
		if err := p.idemp.Commit(ctx, res.Key); err != nil {
			return fmt.Errorf("ingest: commit replayed reservation %s: %w", res.Key, err)
		}
		p.logger.Info("recovered interrupted submission", "key", res.Key, "event_id", res.EventID)
	}
	return nil
}

func (p *Pipeline) quarantineSchema(fieldErrs []FieldError, env *contracts.Envelope) *Result {
	diag := fieldErrs[0].Error()
	if len(fieldErrs) > 1 {
		diag = fmt.Sprintf("%s (+%d more)", diag, len(fieldErrs)-1)
	}
	if env == nil {
		env = &contracts.Envelope{}
	}
	return p.quarantine(env, contracts.ReasonSchemaInvalid, diag)
}

// quarantine appends one DLQ record and returns the quarantined result.
func (p *Pipeline) quarantine(env *contracts.Envelope, reason contracts.QuarantineReason, diagnostics string) *Result {
	rec := contracts.DLQRecord{
		Envelope:    *env,
		ReasonCode:  reason,
		ReceivedAt:  p.clock().UTC(),
		Diagnostics: diagnostics,
	}
	if _, err := p.dlq.Append(string(reason), rec); err != nil {
		p.logger.Error("dlq append failed", "reason", reason, "error", err)
	}

	p.quarantinedMu.Lock()
	p.quarantined[reason]++
	p.quarantinedMu.Unlock()

	p.logger.Info("submission quarantined",
		"reason", reason, "idempotency_key", env.IdempotencyKey, "diagnostics", diagnostics)
	return &Result{ReasonCode: reason, Diagnostics: diagnostics}
}

// Status returns the aggregate counters.
func (p *Pipeline) Status() Status {
	s := Status{
		Accepted:    p.accepted.Load(),
		RateLimited: p.rateLimited.Load(),
		Quarantined: make(map[string]int64),
	}
	p.quarantinedMu.Lock()
	for reason, n := range p.quarantined {
		s.Quarantined[string(reason)] = n
	}
	p.quarantinedMu.Unlock()
	return s
}

// DLQLength returns the number of dead-lettered submissions.
func (p *Pipeline) DLQLength() int { return p.dlq.Length() }

// Close releases the DLQ log.
func (p *Pipeline) Close() error { return p.dlq.Close() }

func keyPartition(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % keyPartitions)
}
