package sandbox

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/droverhq/drover/internal/fault"
	"github.com/droverhq/drover/internal/frame"
)

// Session is one addressable sandbox container.
type Session struct {
	ID          string    `json:"sessionId"`
	ContainerID string    `json:"-"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the session's TTL has elapsed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Registry tracks live sessions. Creation and deletion lock per ID;
// reads are concurrent. Each session owns its container, which is what
// isolates one session's files and processes from another's.
type Registry struct {
	mgr   ContainerManager
	image string
	net   string
	env   []string // credential set injected into every container
	ttl   time.Duration
	burst int

	mu       sync.RWMutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
	recent   []time.Time // creation timestamps for rate limiting
}

// NewRegistry creates a Registry. burst bounds creations per minute.
func NewRegistry(mgr ContainerManager, image, network string, env []string, ttl time.Duration, burst int) *Registry {
	return &Registry{
		mgr:      mgr,
		image:    image,
		net:      network,
		env:      env,
		ttl:      ttl,
		burst:    burst,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

// allowCreate enforces the creation rate limit.
func (r *Registry) allowCreate(now time.Time) bool {
	cutoff := now.Add(-time.Minute)
	kept := r.recent[:0]
	for _, t := range r.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.recent = kept
	if len(r.recent) >= r.burst {
		return false
	}
	r.recent = append(r.recent, now)
	return true
}

// CreateSession starts a session container. Passing the ID of a live
// session returns it unchanged, so retried creations are idempotent.
// An empty id mints a fresh one.
func (r *Registry) CreateSession(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		id = "sess-" + uuid.NewString()[:8]
	}

	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC()

	r.mu.Lock()
	if existing, ok := r.sessions[id]; ok && !existing.Expired(now) {
		r.mu.Unlock()
		return existing, nil
	}
	if !r.allowCreate(now) {
		r.mu.Unlock()
		return nil, fault.Wrapf(fault.ErrRateLimited, "session creation limit reached")
	}
	r.mu.Unlock()

	containerID, err := r.mgr.Start(ctx, StartOptions{
		SessionID: id,
		Image:     r.image,
		Network:   r.net,
		Env:       r.env,
	})
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:          id,
		ContainerID: containerID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.ttl),
	}
	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()
	return sess, nil
}

// GetSession returns a live session. Expired or unknown IDs are
// NotFound; an expired session's container is reaped on the way out.
func (r *Registry) GetSession(id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fault.Wrapf(fault.ErrNotFound, "session %s", id)
	}
	if sess.Expired(time.Now().UTC()) {
		go func() {
			if err := r.DeleteSession(context.Background(), id); err != nil {
				log.Printf("sandbox: reaping expired session %s: %v", id, err)
			}
		}()
		return nil, fault.Wrapf(fault.ErrNotFound, "session %s expired", id)
	}
	return sess, nil
}

// DeleteSession stops the container and forgets the session.
func (r *Registry) DeleteSession(ctx context.Context, id string) error {
	l := r.lockFor(id)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return fault.Wrapf(fault.ErrNotFound, "session %s", id)
	}
	return r.mgr.Stop(ctx, sess.ContainerID)
}

// Runner returns the framed-transport runner for a live session.
func (r *Registry) Runner(id string) (frame.Runner, error) {
	sess, err := r.GetSession(id)
	if err != nil {
		return nil, err
	}
	return &DockerRunner{ContainerID: sess.ContainerID}, nil
}

// TTL returns the configured session lifetime.
func (r *Registry) TTL() time.Duration { return r.ttl }

// Close stops every live session.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.DeleteSession(ctx, id); err != nil {
			log.Printf("sandbox: closing session %s: %v", id, err)
		}
	}
}
