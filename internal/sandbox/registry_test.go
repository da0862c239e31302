package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/droverhq/drover/internal/fault"
)

type fakeContainers struct {
	mu      sync.Mutex
	started []string
	stopped []string
	next    int
}

func (f *fakeContainers) Start(_ context.Context, opts StartOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("ctr-%d", f.next)
	f.started = append(f.started, opts.SessionID)
	return id, nil
}

func (f *fakeContainers) Stop(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, containerID)
	return nil
}

func newTestRegistry(t *testing.T, ttl time.Duration, burst int) (*Registry, *fakeContainers) {
	t.Helper()
	fc := &fakeContainers{}
	r := NewRegistry(fc, "drover-sandbox", "drover-net", []string{"TOKEN=sekrit"}, ttl, burst)
	t.Cleanup(func() { r.Close(context.Background()) })
	return r, fc
}

func TestCreateSessionIdempotentOnLiveID(t *testing.T) {
	r, fc := newTestRegistry(t, time.Hour, 10)

	s1, err := r.CreateSession(context.Background(), "sess-a")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s2, err := r.CreateSession(context.Background(), "sess-a")
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if s1.ContainerID != s2.ContainerID {
		t.Fatalf("idempotent create started a second container: %s vs %s", s1.ContainerID, s2.ContainerID)
	}
	if len(fc.started) != 1 {
		t.Fatalf("containers started: %v", fc.started)
	}
}

func TestSessionsGetDistinctContainers(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour, 10)

	a, err := r.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	b, err := r.CreateSession(context.Background(), "")
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if a.ID == b.ID || a.ContainerID == b.ContainerID {
		t.Fatalf("sessions share identity: %+v %+v", a, b)
	}
}

func TestGetSessionExpiry(t *testing.T) {
	r, _ := newTestRegistry(t, 10*time.Millisecond, 10)

	s, err := r.CreateSession(context.Background(), "sess-x")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.GetSession(s.ID); err != nil {
		t.Fatalf("live get: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if _, err := r.GetSession(s.ID); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected NotFound after expiry, got %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	r, fc := newTestRegistry(t, time.Hour, 10)

	s, err := r.CreateSession(context.Background(), "sess-d")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.DeleteSession(context.Background(), s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(fc.stopped) != 1 || fc.stopped[0] != s.ContainerID {
		t.Fatalf("container not stopped: %v", fc.stopped)
	}
	if err := r.DeleteSession(context.Background(), s.ID); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("double delete: %v", err)
	}
	if _, err := r.GetSession(s.ID); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("deleted session still visible: %v", err)
	}
}

func TestCreateSessionRateLimit(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour, 2)

	for i := 0; i < 2; i++ {
		if _, err := r.CreateSession(context.Background(), ""); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	_, err := r.CreateSession(context.Background(), "")
	if !errors.Is(err, fault.ErrRateLimited) {
		t.Fatalf("expected RateLimited, got %v", err)
	}
}

func TestRunnerTargetsSessionContainer(t *testing.T) {
	r, _ := newTestRegistry(t, time.Hour, 10)

	s, err := r.CreateSession(context.Background(), "sess-r")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	runner, err := r.Runner(s.ID)
	if err != nil {
		t.Fatalf("runner: %v", err)
	}
	dr, ok := runner.(*DockerRunner)
	if !ok || dr.ContainerID != s.ContainerID {
		t.Fatalf("unexpected runner: %#v", runner)
	}

	if _, err := r.Runner("sess-unknown"); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("unknown session runner: %v", err)
	}
}
