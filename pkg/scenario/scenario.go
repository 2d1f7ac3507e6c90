// Package scenario injects scripted event and metric sequences through
// the full ingestion pipeline. Each scenario is a fixed script that
// exercises a known detection path end to end; nothing here touches
// store internals.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
	"github.com/Mindburn-Labs/cortex/pkg/ingest"
)

// ErrUnknownScenario names a scenario the injector does not script.
var ErrUnknownScenario = errors.New("scenario: unknown scenario")

// Scenario names.
const (
	SustainedCPUCascade = "sustained_cpu_cascade"
	SilentCompliance    = "silent_compliance"
	BaselineActivation  = "baseline_activation"
)

// Report summarizes one injection run.
type Report struct {
	Scenario    string   `json:"scenario"`
	RunID       string   `json:"run_id"`
	Submitted   int      `json:"submitted"`
	Accepted    int      `json:"accepted"`
	Quarantined int      `json:"quarantined"`
	EventIDs    []string `json:"event_ids"`
}

// Injector replays scenario scripts through a pipeline. Every run gets
// a fresh run ID so idempotency keys never collide across runs; within
// a run the data content is fixed.
type Injector struct {
	pipeline *ingest.Pipeline
	clock    func() time.Time
	newRunID func() string
}

func NewInjector(pipeline *ingest.Pipeline) *Injector {
	return &Injector{
		pipeline: pipeline,
		clock:    time.Now,
		newRunID: func() string { return uuid.NewString()[:8] },
	}
}

// WithClock overrides the clock for deterministic tests.
func (i *Injector) WithClock(clock func() time.Time) *Injector {
	i.clock = clock
	return i
}

// WithRunIDSource overrides run-ID minting for deterministic tests.
func (i *Injector) WithRunIDSource(newRunID func() string) *Injector {
	i.newRunID = newRunID
	return i
}

// List returns the available scenario names, sorted.
func List() []string {
	names := make([]string, 0, len(scripts))
	for name := range scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run replays the named scenario. The script anchors a few minutes in
// the past so every submission clears the skew gate.
func (i *Injector) Run(ctx context.Context, name string) (*Report, error) {
	script, ok := scripts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, name)
	}

	runID := i.newRunID()
	base := i.clock().UTC().Add(-5 * time.Minute)
	report := &Report{Scenario: name, RunID: runID}

	for n, env := range script(base) {
		env.SchemaVersion = "1.0.0"
		env.EventID = fmt.Sprintf("src-%s-%d", runID, n)
		env.IdempotencyKey = fmt.Sprintf("scn-%s-%s-%d", name, runID, n)
		env.TraceID = "trace-" + runID
		env.EnterpriseCtx = contracts.EnterpriseContext{Org: "demo", Project: "cortex", Env: "staging"}
		env.SourceSignature = contracts.SourceSignature{ToolName: "scenario_injector", ToolType: "injector"}

		res, err := i.pipeline.Submit(ctx, &env)
		if err != nil {
			return report, fmt.Errorf("scenario %s step %d: %w", name, n, err)
		}
		report.Submitted++
		if res.Accepted {
			report.Accepted++
			report.EventIDs = append(report.EventIDs, res.EventID)
		} else {
			report.Quarantined++
		}
	}
	return report, nil
}

var scripts = map[string]func(base time.Time) []contracts.Envelope{
	SustainedCPUCascade: sustainedCPUCascade,
	SilentCompliance:    silentCompliance,
	BaselineActivation:  baselineActivation,
}

// sustainedCPUCascade drives vm_2 CPU through warning into three
// consecutive critical readings, then lands a delayed DEPLOY step 20
// seconds later so the causal agent can link the two.
func sustainedCPUCascade(base time.Time) []contracts.Envelope {
	values := []float64{72, 88, 93, 95, 96}
	out := make([]contracts.Envelope, 0, len(values)+1)
	for n, v := range values {
		out = append(out, contracts.Envelope{
			EventSourceTS: base.Add(time.Duration(n) * 10 * time.Second),
			ActorContext:  contracts.ActorContext{ActorID: "node_exporter", ActorType: "service_account"},
			NormalizedEvent: contracts.NormalizedEvent{
				Type:     "METRIC_SAMPLE",
				Resource: "vm_2",
			},
			MetricPayload: &contracts.MetricPayload{
				ResourceID: "vm_2",
				MetricName: "cpu_percent",
				Value:      v,
			},
		})
	}
	out = append(out, contracts.Envelope{
		EventSourceTS: base.Add(60 * time.Second),
		ActorContext:  contracts.ActorContext{ActorID: "deploy_runner", ActorType: "ci"},
		NormalizedEvent: contracts.NormalizedEvent{
			Type:       "STEP_COMPLETED",
			WorkflowID: "wf9",
			Outcome:    "success",
			Metadata: map[string]interface{}{
				"step":             "DEPLOY",
				"duration_seconds": 250.0,
				"sla_seconds":      120.0,
			},
		},
	})
	return out
}

// silentCompliance performs two quiet policy breaches: a sensitive
// read with no approval trail and a service-account write with no
// change ticket. Both succeed, so both hits are SILENT.
func silentCompliance(base time.Time) []contracts.Envelope {
	return []contracts.Envelope{
		{
			EventSourceTS: base,
			ActorContext:  contracts.ActorContext{ActorID: "analyst_42", ActorType: "human", Location: "office"},
			NormalizedEvent: contracts.NormalizedEvent{
				Type:     "ACCESS_READ",
				Resource: "customer_pii",
				Outcome:  "success",
			},
		},
		{
			EventSourceTS: base.Add(30 * time.Second),
			ActorContext:  contracts.ActorContext{ActorID: "svc_batch", ActorType: "service_account", Location: "datacenter"},
			NormalizedEvent: contracts.NormalizedEvent{
				Type:     "ACCESS_WRITE",
				Resource: "billing_db",
				Outcome:  "success",
			},
		},
	}
}

// baselineActivation feeds ten flat memory readings to warm a baseline
// profile, one in-range sample the profile absorbs, then a spike the
// activated profile should flag. All values stay below the resource
// agent's warning threshold so only the baseline path fires.
func baselineActivation(base time.Time) []contracts.Envelope {
	values := []float64{52.0, 51.5, 52.5, 51.8, 52.2, 51.9, 52.1, 52.3, 51.7, 52.0, 52.4, 68.0}
	out := make([]contracts.Envelope, 0, len(values))
	for n, v := range values {
		out = append(out, contracts.Envelope{
			EventSourceTS: base.Add(time.Duration(n) * 10 * time.Second),
			ActorContext:  contracts.ActorContext{ActorID: "node_exporter", ActorType: "service_account"},
			NormalizedEvent: contracts.NormalizedEvent{
				Type:     "METRIC_SAMPLE",
				Resource: "vm_7",
			},
			MetricPayload: &contracts.MetricPayload{
				ResourceID: "vm_7",
				MetricName: "memory_percent",
				Value:      v,
			},
		})
	}
	return out
}
