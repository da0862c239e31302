// Package forge wraps the GitHub API surface drover consumes: issues,
// labels, pull requests, reviews, merges, and installation tokens.
package forge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	gogh "github.com/google/go-github/v68/github"

	"github.com/droverhq/drover/internal/fault"
)

// Client wraps the GitHub API for drover operations.
type Client struct {
	gh *gogh.Client

	appTransport *ghinstallation.AppsTransport
}

// NewClient creates a client authenticated with a personal access token.
func NewClient(token string) *Client {
	return &Client{gh: gogh.NewClient(nil).WithAuthToken(token)}
}

// NewAppClient creates a client for a GitHub App. Calls are made with
// per-installation tokens minted from the app's private key.
func NewAppClient(appID int64, privateKeyPath string) (*Client, error) {
	tr, err := ghinstallation.NewAppsTransportKeyFromFile(http.DefaultTransport, appID, privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading app key: %w", err)
	}
	return &Client{
		gh:           gogh.NewClient(&http.Client{Transport: tr}),
		appTransport: tr,
	}, nil
}

// ForInstallation returns a client scoped to one installation. For PAT
// clients it returns the receiver unchanged.
func (c *Client) ForInstallation(installationID int64) *Client {
	if c.appTransport == nil || installationID == 0 {
		return c
	}
	itr := ghinstallation.NewFromAppsTransport(c.appTransport, installationID)
	return &Client{gh: gogh.NewClient(&http.Client{Transport: itr})}
}

// InstallationToken mints a short-lived token for git smart-HTTP auth.
func (c *Client) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	if c.appTransport == nil {
		return "", fmt.Errorf("no GitHub App configured")
	}
	itr := ghinstallation.NewFromAppsTransport(c.appTransport, installationID)
	token, err := itr.Token(ctx)
	if err != nil {
		return "", classify(fmt.Errorf("minting installation token: %w", err), nil)
	}
	return token, nil
}

// classify maps GitHub API failures onto drover's error kinds.
func classify(err error, resp *gogh.Response) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*gogh.RateLimitError); ok {
		return fault.Wrap(fault.ErrRateLimited, err)
	}
	if _, ok := err.(*gogh.AbuseRateLimitError); ok {
		return fault.Wrap(fault.ErrRateLimited, err)
	}
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return fault.Wrap(fault.ErrNotFound, err)
		case resp.StatusCode == http.StatusTooManyRequests:
			return fault.Wrap(fault.ErrRateLimited, err)
		case resp.StatusCode >= 500:
			return fault.Wrap(fault.ErrTransient, err)
		}
		return err
	}
	// No response at all: network-level failure.
	return fault.Wrap(fault.ErrTransient, err)
}

// SplitRepo splits "owner/repo" into its parts.
func SplitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected \"owner/repo\"", fullName)
	}
	return parts[0], parts[1], nil
}

// --- Issues ---

// Issue is the forge-side issue view consumed by the reconciler.
type Issue struct {
	Number    int
	Title     string
	Body      string
	State     string // "open" or "closed"
	Labels    []string
	Assignee  string
	UpdatedAt time.Time
	ClosedAt  *time.Time
}

func fromGH(gi *gogh.Issue) *Issue {
	issue := &Issue{
		Number:    gi.GetNumber(),
		Title:     gi.GetTitle(),
		Body:      gi.GetBody(),
		State:     gi.GetState(),
		UpdatedAt: gi.GetUpdatedAt().Time,
	}
	for _, l := range gi.Labels {
		issue.Labels = append(issue.Labels, l.GetName())
	}
	if gi.Assignee != nil {
		issue.Assignee = gi.Assignee.GetLogin()
	}
	if gi.ClosedAt != nil {
		t := gi.GetClosedAt().Time
		issue.ClosedAt = &t
	}
	return issue
}

// ListIssues returns all issues (open and closed) for a repository.
func (c *Client) ListIssues(ctx context.Context, repoFullName string) ([]*Issue, error) {
	owner, repo, err := SplitRepo(repoFullName)
	if err != nil {
		return nil, err
	}

	var out []*Issue
	opts := &gogh.IssueListByRepoOptions{
		State:       "all",
		ListOptions: gogh.ListOptions{PerPage: 100},
	}
	for {
		issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
		if err != nil {
			return nil, classify(fmt.Errorf("listing issues: %w", err), resp)
		}
		for _, gi := range issues {
			if gi.IsPullRequest() {
				continue
			}
			out = append(out, fromGH(gi))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

// GetIssue fetches one issue by number.
func (c *Client) GetIssue(ctx context.Context, repoFullName string, number int) (*Issue, error) {
	owner, repo, err := SplitRepo(repoFullName)
	if err != nil {
		return nil, err
	}
	gi, resp, err := c.gh.Issues.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, classify(fmt.Errorf("getting issue #%d: %w", number, err), resp)
	}
	return fromGH(gi), nil
}

// CreateIssue opens a new issue and returns its number.
func (c *Client) CreateIssue(ctx context.Context, repoFullName string, issue *Issue) (int, error) {
	owner, repo, err := SplitRepo(repoFullName)
	if err != nil {
		return 0, err
	}
	req := &gogh.IssueRequest{
		Title:  gogh.Ptr(issue.Title),
		Body:   gogh.Ptr(issue.Body),
		Labels: &issue.Labels,
	}
	if issue.Assignee != "" {
		req.Assignee = gogh.Ptr(issue.Assignee)
	}
	created, resp, err := c.gh.Issues.Create(ctx, owner, repo, req)
	if err != nil {
		return 0, classify(fmt.Errorf("creating issue: %w", err), resp)
	}
	return created.GetNumber(), nil
}

// UpdateIssue edits title, body, labels, assignee, and state.
func (c *Client) UpdateIssue(ctx context.Context, repoFullName string, number int, issue *Issue) error {
	owner, repo, err := SplitRepo(repoFullName)
	if err != nil {
		return err
	}
	req := &gogh.IssueRequest{
		Title:  gogh.Ptr(issue.Title),
		Body:   gogh.Ptr(issue.Body),
		State:  gogh.Ptr(issue.State),
		Labels: &issue.Labels,
	}
	if issue.Assignee != "" {
		req.Assignee = gogh.Ptr(issue.Assignee)
	}
	_, resp, err := c.gh.Issues.Edit(ctx, owner, repo, number, req)
	if err != nil {
		return classify(fmt.Errorf("updating issue #%d: %w", number, err), resp)
	}
	return nil
}

// --- Pull requests ---

// PROptions configures a new pull request.
type PROptions struct {
	Repo   string // "owner/repo"
	Branch string // source branch
	Base   string // target branch (default: "main")
	Title  string
	Body   string
}

// CreatePR opens a pull request and returns the PR URL and number.
func (c *Client) CreatePR(ctx context.Context, opts PROptions) (string, int, error) {
	owner, repo, err := SplitRepo(opts.Repo)
	if err != nil {
		return "", 0, err
	}

	base := opts.Base
	if base == "" {
		base = "main"
	}

	pr, resp, err := c.gh.PullRequests.Create(ctx, owner, repo, &gogh.NewPullRequest{
		Title: gogh.Ptr(opts.Title),
		Body:  gogh.Ptr(opts.Body),
		Head:  gogh.Ptr(opts.Branch),
		Base:  gogh.Ptr(base),
	})
	if err != nil {
		return "", 0, classify(fmt.Errorf("creating pull request: %w", err), resp)
	}
	return pr.GetHTMLURL(), pr.GetNumber(), nil
}

// SubmitReview submits a PR review. state is APPROVE, REQUEST_CHANGES, or
// COMMENT.
func (c *Client) SubmitReview(ctx context.Context, repoFullName string, number int, state, body string) error {
	owner, repo, err := SplitRepo(repoFullName)
	if err != nil {
		return err
	}
	_, resp, err := c.gh.PullRequests.CreateReview(ctx, owner, repo, number, &gogh.PullRequestReviewRequest{
		Event: gogh.Ptr(state),
		Body:  gogh.Ptr(body),
	})
	if err != nil {
		return classify(fmt.Errorf("submitting review on #%d: %w", number, err), resp)
	}
	return nil
}

// MergePR merges a pull request.
func (c *Client) MergePR(ctx context.Context, repoFullName string, number int, message string) error {
	owner, repo, err := SplitRepo(repoFullName)
	if err != nil {
		return err
	}
	res, resp, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, message, &gogh.PullRequestOptions{})
	if err != nil {
		return classify(fmt.Errorf("merging #%d: %w", number, err), resp)
	}
	if !res.GetMerged() {
		return fault.Wrapf(fault.ErrConflict, "merge of #%d not performed: %s", number, res.GetMessage())
	}
	return nil
}

// GetDefaultBranch returns the default branch for a repository.
func (c *Client) GetDefaultBranch(ctx context.Context, repoFullName string) (string, error) {
	owner, repo, err := SplitRepo(repoFullName)
	if err != nil {
		return "", err
	}
	r, resp, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", classify(fmt.Errorf("getting repository: %w", err), resp)
	}
	return r.GetDefaultBranch(), nil
}
