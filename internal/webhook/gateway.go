// Package webhook implements the forge webhook gateway: signature
// verification, installation lookup, delivery idempotency, and dispatch
// by event type.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/droverhq/drover/internal/fault"
	"github.com/droverhq/drover/internal/store"
)

// Sink receives verified, deduplicated events. The server wires it to
// the sync coordinators, the PR state machines, and the dispatcher.
type Sink interface {
	// OnIssues handles `issues` and `issue_comment` events.
	OnIssues(ctx context.Context, b *store.Binding, action string, payload []byte) error
	// OnPullRequest handles `pull_request` events.
	OnPullRequest(ctx context.Context, b *store.Binding, action string, payload []byte) error
	// OnPullRequestReview handles `pull_request_review` events.
	OnPullRequestReview(ctx context.Context, b *store.Binding, action string, payload []byte) error
	// OnPush handles `push` events; counts says which sync categories
	// the push touched.
	OnPush(ctx context.Context, b *store.Binding, after string, counts PushCounts) error
	// OnMilestone handles `milestone` events.
	OnMilestone(ctx context.Context, b *store.Binding, action string, payload []byte) error
	// OnInstallation handles `installation` lifecycle events.
	OnInstallation(ctx context.Context, action string, payload []byte) error
}

// Gateway verifies and routes forge webhooks.
type Gateway struct {
	store *store.Store
	sink  Sink

	// watched paths (relative, repo-rooted)
	beadsDir    string
	backlogFile string
	roadmapFile string

	// fallbackSecret is used for installations without their own secret.
	fallbackSecret string
}

// New creates a Gateway.
func New(st *store.Store, sink Sink, beadsDir, backlogFile, roadmapFile, fallbackSecret string) *Gateway {
	return &Gateway{
		store:          st,
		sink:           sink,
		beadsDir:       strings.TrimSuffix(beadsDir, "/") + "/",
		backlogFile:    backlogFile,
		roadmapFile:    roadmapFile,
		fallbackSecret: fallbackSecret,
	}
}

// Receipt describes what a processed delivery did.
type Receipt struct {
	Event     string      `json:"event"`
	Action    string      `json:"action,omitempty"`
	Repo      string      `json:"repo,omitempty"`
	Duplicate bool        `json:"duplicate,omitempty"`
	Push      *PushCounts `json:"push,omitempty"`
}

// PushCounts reports, per category, how many changed paths a push
// touched. Each category is counted independently.
type PushCounts struct {
	Issues  int `json:"issues"`
	Backlog int `json:"backlog"`
	Roadmap int `json:"roadmap"`
}

// envelope is the minimal shape common to all repository-scoped events.
type envelope struct {
	Action     string `json:"action"`
	Repository struct {
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
}

// Process verifies one delivery and dispatches it. event, delivery, and
// signature come from the X-GitHub-Event, X-GitHub-Delivery, and
// X-Hub-Signature-256 headers; body is the exact raw request body.
func (g *Gateway) Process(ctx context.Context, event, delivery, signature string, body []byte) (*Receipt, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fault.Wrap(fault.ErrMalformedPayload, err)
	}

	// Installation lifecycle events are not repository-scoped; they are
	// verified against the fallback secret.
	if event == "installation" {
		if err := verifySignature(body, signature, g.fallbackSecret); err != nil {
			return nil, err
		}
		if err := g.sink.OnInstallation(ctx, env.Action, body); err != nil {
			return nil, err
		}
		return &Receipt{Event: event, Action: env.Action}, nil
	}

	if env.Repository.FullName == "" {
		return nil, fault.Wrapf(fault.ErrMalformedPayload, "event %s missing repository", event)
	}
	binding, err := g.lookupBinding(env.Installation.ID, env.Repository.FullName)
	if err != nil {
		return nil, err
	}

	secret := binding.WebhookSecret
	if secret == "" {
		secret = g.fallbackSecret
	}
	if err := verifySignature(body, signature, secret); err != nil {
		return nil, err
	}

	// Deduplicate only after the sender is authenticated.
	if delivery != "" {
		seen, err := g.store.SeenDelivery(delivery)
		if err != nil {
			return nil, fault.Wrap(fault.ErrTransient, err)
		}
		if seen {
			return &Receipt{Event: event, Action: env.Action, Repo: binding.FullName(), Duplicate: true}, nil
		}
	}

	receipt := &Receipt{Event: event, Action: env.Action, Repo: binding.FullName()}

	switch event {
	case "issues", "issue_comment":
		err = g.sink.OnIssues(ctx, binding, env.Action, body)
	case "pull_request":
		err = g.sink.OnPullRequest(ctx, binding, env.Action, body)
	case "pull_request_review":
		err = g.sink.OnPullRequestReview(ctx, binding, env.Action, body)
	case "milestone":
		err = g.sink.OnMilestone(ctx, binding, env.Action, body)
	case "push":
		var push pushPayload
		if perr := json.Unmarshal(body, &push); perr != nil {
			return nil, fault.Wrap(fault.ErrMalformedPayload, perr)
		}
		counts := g.categorize(&push)
		receipt.Push = &counts
		err = g.sink.OnPush(ctx, binding, push.After, counts)
	default:
		// Not an event we handle; acknowledged without side effects.
	}
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (g *Gateway) lookupBinding(installationID int64, fullName string) (*store.Binding, error) {
	if installationID != 0 {
		if b, err := g.store.GetBindingByInstallation(installationID, fullName); err == nil {
			return b, nil
		}
		return nil, fault.Wrapf(fault.ErrUnknownInstallation, "installation %d for %s", installationID, fullName)
	}
	owner, name, err := splitFullName(fullName)
	if err != nil {
		return nil, fault.Wrap(fault.ErrMalformedPayload, err)
	}
	b, err := g.store.GetBinding(owner, name)
	if err != nil {
		return nil, fault.Wrapf(fault.ErrUnknownInstallation, "repository %s not bound", fullName)
	}
	return b, nil
}

type pushPayload struct {
	Ref     string `json:"ref"`
	After   string `json:"after"`
	Commits []struct {
		ID       string   `json:"id"`
		Added    []string `json:"added"`
		Modified []string `json:"modified"`
		Removed  []string `json:"removed"`
	} `json:"commits"`
}

// categorize counts changed paths per sync category across all commits.
func (g *Gateway) categorize(push *pushPayload) PushCounts {
	var counts PushCounts
	for _, c := range push.Commits {
		for _, paths := range [][]string{c.Added, c.Modified, c.Removed} {
			for _, p := range paths {
				switch {
				case strings.HasPrefix(p, g.beadsDir):
					counts.Issues++
				case p == g.backlogFile:
					counts.Backlog++
				case p == g.roadmapFile:
					counts.Roadmap++
				}
			}
		}
	}
	return counts
}

// verifySignature checks the HMAC-SHA256 signature over the raw body.
// The comparison is constant time.
func verifySignature(body []byte, signature, secret string) error {
	if signature == "" {
		return fault.Wrapf(fault.ErrSignatureInvalid, "missing signature header")
	}
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok {
		return fault.Wrapf(fault.ErrSignatureInvalid, "unexpected signature scheme")
	}
	decoded, err := hex.DecodeString(hexSig)
	if err != nil {
		return fault.Wrapf(fault.ErrSignatureInvalid, "signature not hex")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(decoded, mac.Sum(nil)) {
		return fault.Wrapf(fault.ErrSignatureInvalid, "signature mismatch")
	}
	return nil
}

// Sign computes the header value for a body and secret. Used by tests
// and the CLI's replay tooling.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func splitFullName(fullName string) (string, string, error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fault.Wrapf(fault.ErrMalformedPayload, "bad repository name %q", fullName)
	}
	return parts[0], parts[1], nil
}
