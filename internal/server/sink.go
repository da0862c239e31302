package server

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/droverhq/drover/internal/fault"
	"github.com/droverhq/drover/internal/prstate"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/syncer"
	"github.com/droverhq/drover/internal/webhook"
)

// sink routes verified webhook events into the sync coordinator, the
// dispatcher, the PR state machines, and the lifecycle router.
type sink struct {
	s *Server
}

type issueEventPayload struct {
	Issue struct {
		Number   int    `json:"number"`
		State    string `json:"state"`
		Assignee struct {
			Login string `json:"login"`
		} `json:"assignee"`
	} `json:"issue"`
}

// OnIssues handles issue lifecycle events. Assignment and closure act
// immediately; anything else queues an issues sync so the local store
// converges.
func (k *sink) OnIssues(ctx context.Context, b *store.Binding, action string, payload []byte) error {
	var ev issueEventPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fault.Wrap(fault.ErrMalformedPayload, err)
	}

	switch action {
	case "assigned":
		issues, err := k.s.issueSource(b.FullName())
		if err != nil {
			return err
		}
		issue, err := issues.GetByForgeNumber(ev.Issue.Number)
		if err != nil {
			// Not mirrored yet; the sync below will pick it up.
			k.s.coord.Enqueue(b.FullName(), syncer.KindIssues, "webhook:issues."+action, "")
			return nil
		}
		res, err := k.s.disp.Assign(ctx, b, issue, ev.Issue.Assignee.Login)
		if err != nil {
			return err
		}
		if res.Triggered {
			log.Printf("server: %s: issue #%d assigned, workflow %s", b.FullName(), ev.Issue.Number, res.WorkflowID)
		} else {
			log.Printf("server: %s: issue #%d assignment skipped: %s", b.FullName(), ev.Issue.Number, res.Reason)
		}
		return nil

	case "closed":
		issues, err := k.s.issueSource(b.FullName())
		if err != nil {
			return err
		}
		issue, err := issues.GetByForgeNumber(ev.Issue.Number)
		if err != nil {
			k.s.coord.Enqueue(b.FullName(), syncer.KindIssues, "webhook:issues."+action, "")
			return nil
		}
		return k.s.events.OnIssueClosed(ctx, b, issue.ID)

	default:
		k.s.coord.Enqueue(b.FullName(), syncer.KindIssues, "webhook:issues."+action, "")
		return nil
	}
}

type prEventPayload struct {
	PullRequest struct {
		Number int    `json:"number"`
		Merged bool   `json:"merged"`
		Body   string `json:"body"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Review struct {
		State string `json:"state"`
		Body  string `json:"body"`
		User  struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"review"`
}

func (k *sink) OnPullRequest(ctx context.Context, b *store.Binding, action string, payload []byte) error {
	var ev prEventPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fault.Wrap(fault.ErrMalformedPayload, err)
	}

	pr, err := k.s.prs.Apply(b.FullName(), ev.PullRequest.Number, &prstate.Event{
		Type:    "pull_request",
		Action:  action,
		Merged:  ev.PullRequest.Merged,
		HeadSHA: ev.PullRequest.Head.SHA,
		At:      time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	// The PR body is not part of the durable machine state, so linked
	// issue closure runs here off the payload.
	if pr.State == prstate.StateMerged && action == "closed" && ev.PullRequest.Merged {
		if err := k.s.events.OnPRMerged(ctx, b, ev.PullRequest.Body); err != nil {
			log.Printf("server: %s: closing issues for merged PR #%d: %v", b.FullName(), ev.PullRequest.Number, err)
		}
	}
	return nil
}

func (k *sink) OnPullRequestReview(ctx context.Context, b *store.Binding, action string, payload []byte) error {
	var ev prEventPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fault.Wrap(fault.ErrMalformedPayload, err)
	}

	_, err := k.s.prs.Apply(b.FullName(), ev.PullRequest.Number, &prstate.Event{
		Type:        "pull_request_review",
		Action:      action,
		Reviewer:    ev.Review.User.Login,
		ReviewState: ev.Review.State,
		Body:        ev.Review.Body,
		HeadSHA:     ev.PullRequest.Head.SHA,
		At:          time.Now().UTC(),
	})
	return err
}

// OnPush queues one sync per category the push touched.
func (k *sink) OnPush(_ context.Context, b *store.Binding, after string, counts webhook.PushCounts) error {
	if counts.Issues > 0 {
		k.s.coord.Enqueue(b.FullName(), syncer.KindIssues, "webhook:push", after)
	}
	if counts.Backlog > 0 {
		k.s.coord.Enqueue(b.FullName(), syncer.KindBacklog, "webhook:push", after)
	}
	if counts.Roadmap > 0 {
		k.s.coord.Enqueue(b.FullName(), syncer.KindRoadmap, "webhook:push", after)
	}
	return nil
}

func (k *sink) OnMilestone(_ context.Context, b *store.Binding, action string, _ []byte) error {
	k.s.coord.Enqueue(b.FullName(), syncer.KindRoadmap, "webhook:milestone."+action, "")
	return nil
}

type installationPayload struct {
	Installation struct {
		ID      int64 `json:"id"`
		Account struct {
			Login string `json:"login"`
		} `json:"account"`
	} `json:"installation"`
	Repositories []struct {
		Name          string `json:"name"`
		FullName      string `json:"full_name"`
		DefaultBranch string `json:"default_branch"`
	} `json:"repositories"`
}

// OnInstallation binds or logs repositories as the app is installed.
// Removal keeps the binding; history stays queryable and re-install is
// a no-op upsert.
func (k *sink) OnInstallation(_ context.Context, action string, payload []byte) error {
	var ev installationPayload
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fault.Wrap(fault.ErrMalformedPayload, err)
	}

	switch action {
	case "created":
		for _, repo := range ev.Repositories {
			b := &store.Binding{
				Owner:          ev.Installation.Account.Login,
				Name:           repo.Name,
				InstallationID: ev.Installation.ID,
				DefaultBranch:  repo.DefaultBranch,
			}
			if err := k.s.store.PutBinding(b); err != nil {
				return err
			}
			log.Printf("server: bound %s to installation %d", b.FullName(), ev.Installation.ID)
		}
	default:
		log.Printf("server: installation %d: %s", ev.Installation.ID, action)
	}
	return nil
}
