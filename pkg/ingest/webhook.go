package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/cortex/pkg/contracts"
)

// githubWebhook is the subset of the GitHub push / workflow_run payload
// the code agent consumes. Anything else in the webhook body is
// ignored.
type githubWebhook struct {
	Action     string `json:"action,omitempty"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	HeadCommit *struct {
		ID        string    `json:"id"`
		Timestamp time.Time `json:"timestamp"`
		Added     []string  `json:"added"`
		Removed   []string  `json:"removed"`
		Modified  []string  `json:"modified"`
	} `json:"head_commit,omitempty"`
	WorkflowRun *struct {
		ID         int64     `json:"id"`
		Name       string    `json:"name"`
		Conclusion string    `json:"conclusion"`
		HeadSHA    string    `json:"head_sha"`
		UpdatedAt  time.Time `json:"updated_at"`
	} `json:"workflow_run,omitempty"`
	DeploymentID string   `json:"deployment_id,omitempty"`
	Coverage     *float64 `json:"coverage,omitempty"`
	Hotspots     []string `json:"hotspots,omitempty"`
}

// SubmitGitHubWebhook normalizes a code/CI webhook into an envelope and
// runs it through the standard gate sequence.
func (p *Pipeline) SubmitGitHubWebhook(ctx context.Context, raw []byte) (*Result, error) {
	var wh githubWebhook
	if err := json.Unmarshal(raw, &wh); err != nil {
		return p.quarantineSchema([]FieldError{{Field: "webhook", Code: "MALFORMED_JSON", Message: err.Error()}}, nil), nil
	}

	var (
		eventType string
		sourceTS  time.Time
		key       string
		metadata  = map[string]interface{}{
			"repository": wh.Repository.FullName,
		}
	)

	switch {
	case wh.HeadCommit != nil:
		eventType = "CODE_CHANGE"
		sourceTS = wh.HeadCommit.Timestamp
		key = "gh-push-" + wh.HeadCommit.ID
		metadata["commit_sha"] = wh.HeadCommit.ID
		metadata["files_changed"] = len(wh.HeadCommit.Added) + len(wh.HeadCommit.Removed) + len(wh.HeadCommit.Modified)
	case wh.WorkflowRun != nil:
		eventType = "CI_RUN"
		sourceTS = wh.WorkflowRun.UpdatedAt
		key = fmt.Sprintf("gh-run-%d", wh.WorkflowRun.ID)
		metadata["workflow_name"] = wh.WorkflowRun.Name
		metadata["conclusion"] = wh.WorkflowRun.Conclusion
		metadata["commit_sha"] = wh.WorkflowRun.HeadSHA
	default:
		return p.quarantineSchema([]FieldError{{
			Field: "webhook", Code: "UNSUPPORTED_PAYLOAD",
			Message: "webhook carries neither head_commit nor workflow_run",
		}}, nil), nil
	}

	if wh.Coverage != nil {
		metadata["coverage"] = *wh.Coverage
	}
	if len(wh.Hotspots) > 0 {
		metadata["hotspots"] = wh.Hotspots
	}
	if sourceTS.IsZero() {
		sourceTS = p.clock().UTC()
	}

	env := envelopeFromWebhook(&wh, eventType, key, sourceTS, metadata)
	return p.Submit(ctx, env)
}

func envelopeFromWebhook(wh *githubWebhook, eventType, key string, sourceTS time.Time, metadata map[string]interface{}) *contracts.Envelope {
	actor := wh.Sender.Login
	if actor == "" {
		actor = "github"
	}
	return &contracts.Envelope{
		SchemaVersion:  "1.0.0",
		EventID:        key,
		IdempotencyKey: key,
		TraceID:        key,
		EventSourceTS:  sourceTS,
		EnterpriseCtx: contracts.EnterpriseContext{
			Org:          "github",
			Project:      wh.Repository.FullName,
			Env:          "ci",
			DeploymentID: wh.DeploymentID,
		},
		ActorContext: contracts.ActorContext{ActorID: actor, ActorType: "ci"},
		SourceSignature: contracts.SourceSignature{
			ToolName: "github",
			ToolType: "webhook",
		},
		NormalizedEvent: contracts.NormalizedEvent{
			Type:     eventType,
			Resource: wh.Repository.FullName,
			Metadata: metadata,
		},
	}
}
