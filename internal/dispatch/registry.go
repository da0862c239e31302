// Package dispatch decides whether an assignee change triggers a
// develop workflow, and owns the agent registry.
package dispatch

import "strings"

// Tier says how an agent runs: a light LLM call or a sandboxed coding
// runtime.
type Tier string

const (
	TierLight   Tier = "light"
	TierSandbox Tier = "sandbox"
)

// Agent is a named entity that can be assigned issues or asked for
// reviews.
type Agent struct {
	Name  string
	Tier  Tier
	Roles []string // "develop", "review"
}

func (a *Agent) hasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Registry holds the known agents, the known human collaborators, and
// the reviewer-trigger configuration.
type Registry struct {
	agents map[string]*Agent
	humans map[string]bool

	// reviewerTriggers maps an event name to the reviewers seeded into a
	// fresh PR queue, e.g. "pull_request.opened" -> [quinn].
	reviewerTriggers map[string][]string
}

// NewRegistry builds a registry. Names are matched case-insensitively.
func NewRegistry(agents []Agent, humans []string, triggers map[string][]string) *Registry {
	r := &Registry{
		agents:           make(map[string]*Agent, len(agents)),
		humans:           make(map[string]bool, len(humans)),
		reviewerTriggers: triggers,
	}
	for i := range agents {
		a := agents[i]
		r.agents[strings.ToLower(a.Name)] = &a
	}
	for _, h := range humans {
		r.humans[strings.ToLower(h)] = true
	}
	return r
}

// DefaultRegistry is the stock agent roster.
func DefaultRegistry() *Registry {
	return NewRegistry(
		[]Agent{
			{Name: "cody", Tier: TierSandbox, Roles: []string{"develop"}},
			{Name: "tom", Tier: TierSandbox, Roles: []string{"develop"}},
			{Name: "quinn", Tier: TierLight, Roles: []string{"review"}},
		},
		nil,
		map[string][]string{"pull_request.opened": {"quinn"}},
	)
}

// Agent looks up an agent by name.
func (r *Registry) Agent(name string) (*Agent, bool) {
	a, ok := r.agents[strings.ToLower(name)]
	return a, ok
}

// IsHuman reports whether the name is a known non-agent collaborator.
func (r *Registry) IsHuman(name string) bool {
	return r.humans[strings.ToLower(name)]
}

// ReviewersFor returns the reviewer queue seeded for an event.
func (r *Registry) ReviewersFor(event string) []string {
	return append([]string(nil), r.reviewerTriggers[event]...)
}
