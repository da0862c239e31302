package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/beads"
	"github.com/droverhq/drover/internal/fault"
	"github.com/droverhq/drover/internal/forge"
)

var t0 = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func localIssue(mod func(*beads.Issue)) *beads.Issue {
	i := &beads.Issue{
		ID:          "demo-ab12",
		ForgeNumber: 7,
		Title:       "Fix login",
		Body:        "crashes on empty password",
		Status:      beads.StatusOpen,
		Priority:    1,
		Kind:        beads.KindBug,
		Labels:      []string{"P1", "auth"},
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
	if mod != nil {
		mod(i)
	}
	return i
}

func forgeIssue(mod func(*forge.Issue)) *forge.Issue {
	fi := &forge.Issue{
		Number:    7,
		Title:     "Fix login",
		Body:      "crashes on empty password",
		State:     "open",
		Labels:    []string{"P1", "auth"},
		UpdatedAt: t0,
	}
	if mod != nil {
		mod(fi)
	}
	return fi
}

func TestMergeNoChangesIsQuiescent(t *testing.T) {
	out, err := Merge(localIssue(nil), localIssue(nil), forgeIssue(nil), PolicyNewestWins)
	require.NoError(t, err)
	assert.False(t, out.UpdateLocal)
	assert.False(t, out.UpdateRemote)
	assert.False(t, out.CreateLocal)
	assert.False(t, out.CreateRemote)
}

func TestMergeLocalOnlyChangeFlowsRemote(t *testing.T) {
	local := localIssue(func(i *beads.Issue) {
		i.Title = "Fix login crash"
		i.UpdatedAt = t0.Add(time.Hour)
	})
	out, err := Merge(local, localIssue(nil), forgeIssue(nil), PolicyNewestWins)
	require.NoError(t, err)
	assert.Equal(t, "Fix login crash", out.Issue.Title)
	assert.True(t, out.UpdateRemote)
	assert.False(t, out.UpdateLocal)
}

func TestMergeRemoteOnlyChangeFlowsLocal(t *testing.T) {
	remote := forgeIssue(func(fi *forge.Issue) {
		fi.Body = "repro attached"
		fi.UpdatedAt = t0.Add(time.Hour)
	})
	out, err := Merge(localIssue(nil), localIssue(nil), remote, PolicyNewestWins)
	require.NoError(t, err)
	assert.Equal(t, "repro attached", out.Issue.Body)
	assert.True(t, out.UpdateLocal)
	assert.False(t, out.UpdateRemote)
}

func TestMergeBothChangedNewestWins(t *testing.T) {
	local := localIssue(func(i *beads.Issue) {
		i.Title = "local title"
		i.UpdatedAt = t0.Add(time.Hour)
	})
	remote := forgeIssue(func(fi *forge.Issue) {
		fi.Title = "remote title"
		fi.UpdatedAt = t0.Add(2 * time.Hour)
	})
	out, err := Merge(local, localIssue(nil), remote, PolicyNewestWins)
	require.NoError(t, err)
	assert.Equal(t, "remote title", out.Issue.Title)
	assert.True(t, out.UpdateLocal)
}

func TestMergeBothChangedPolicyOverrides(t *testing.T) {
	local := localIssue(func(i *beads.Issue) {
		i.Title = "local title"
		i.UpdatedAt = t0.Add(2 * time.Hour)
	})
	remote := forgeIssue(func(fi *forge.Issue) {
		fi.Title = "remote title"
		fi.UpdatedAt = t0.Add(time.Hour)
	})

	out, err := Merge(local, localIssue(nil), remote, PolicyRemoteWins)
	require.NoError(t, err)
	assert.Equal(t, "remote title", out.Issue.Title)

	out, err = Merge(local, localIssue(nil), remote, PolicyLocalWins)
	require.NoError(t, err)
	assert.Equal(t, "local title", out.Issue.Title)
}

func TestMergeSurfaceConflictWithinWindow(t *testing.T) {
	local := localIssue(func(i *beads.Issue) {
		i.Title = "local title"
		i.UpdatedAt = t0.Add(time.Hour)
	})
	remote := forgeIssue(func(fi *forge.Issue) {
		fi.Title = "remote title"
		fi.UpdatedAt = t0.Add(2 * time.Hour)
	})
	out, err := Merge(local, localIssue(nil), remote, PolicySurfaceConflict)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrConflict))
	assert.Contains(t, out.Conflicts, "title")
}

func TestMergeSurfaceConflictOutsideWindowFallsBackToNewest(t *testing.T) {
	local := localIssue(func(i *beads.Issue) {
		i.Title = "local title"
		i.UpdatedAt = t0
	})
	remote := forgeIssue(func(fi *forge.Issue) {
		fi.Title = "remote title"
		fi.UpdatedAt = t0.Add(ConflictWindow + time.Hour)
	})
	out, err := Merge(local, localIssue(nil), remote, PolicySurfaceConflict)
	require.NoError(t, err)
	assert.Equal(t, "remote title", out.Issue.Title)
}

func TestMergeClosedPropagatesBothWays(t *testing.T) {
	closedAt := t0.Add(time.Hour)

	// Local closed, remote still open.
	local := localIssue(func(i *beads.Issue) {
		i.Status = beads.StatusClosed
		i.ClosedAt = &closedAt
		i.UpdatedAt = closedAt
	})
	out, err := Merge(local, localIssue(nil), forgeIssue(nil), PolicyNewestWins)
	require.NoError(t, err)
	assert.Equal(t, beads.StatusClosed, out.Issue.Status)
	assert.True(t, out.UpdateRemote)

	// Remote closed, local still open.
	remote := forgeIssue(func(fi *forge.Issue) {
		fi.State = "closed"
		fi.ClosedAt = &closedAt
		fi.UpdatedAt = closedAt
	})
	out, err = Merge(localIssue(nil), localIssue(nil), remote, PolicyNewestWins)
	require.NoError(t, err)
	assert.Equal(t, beads.StatusClosed, out.Issue.Status)
	assert.True(t, out.UpdateLocal)
}

func TestMergeMissingPriorityLabelIsUnchanged(t *testing.T) {
	// Local holds P0; the forge record carries no P-label at all (the
	// merge tool elides zero-valued priorities). Priority must survive.
	local := localIssue(func(i *beads.Issue) {
		i.Priority = 0
		i.Labels = []string{"P0", "auth"}
	})
	mirror := local.Clone()
	remote := forgeIssue(func(fi *forge.Issue) {
		fi.Labels = []string{"auth"}
		fi.Body = "edited remotely"
		fi.UpdatedAt = t0.Add(time.Hour)
	})

	out, err := Merge(local, mirror, remote, PolicyNewestWins)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Issue.Priority, "absent P-label must not reset priority")
	assert.Contains(t, out.Issue.Labels, "P0")
	assert.Equal(t, "edited remotely", out.Issue.Body)
}

func TestMergePriorityLabelChangeFlowsLocal(t *testing.T) {
	remote := forgeIssue(func(fi *forge.Issue) {
		fi.Labels = []string{"P3", "auth"}
		fi.UpdatedAt = t0.Add(time.Hour)
	})
	out, err := Merge(localIssue(nil), localIssue(nil), remote, PolicyNewestWins)
	require.NoError(t, err)
	assert.Equal(t, 3, out.Issue.Priority)
	assert.Contains(t, out.Issue.Labels, "P3")
	assert.NotContains(t, out.Issue.Labels, "P1")
}

func TestMergeForgeOnlyCreatesLocal(t *testing.T) {
	remote := forgeIssue(func(fi *forge.Issue) {
		fi.Title = "New remote bug!"
	})
	out, err := Merge(nil, nil, remote, PolicyNewestWins)
	require.NoError(t, err)
	assert.True(t, out.CreateLocal)
	assert.Equal(t, 7, out.Issue.ForgeNumber)
	assert.NotEmpty(t, out.Issue.ID)
}

func TestMergeLocalOnlyCreatesRemote(t *testing.T) {
	out, err := Merge(localIssue(nil), nil, nil, PolicyNewestWins)
	require.NoError(t, err)
	assert.True(t, out.CreateRemote)
	assert.Equal(t, "demo-ab12", out.Issue.ID)
}

func TestMergeAbsentBothSidesFails(t *testing.T) {
	_, err := Merge(nil, nil, nil, PolicyNewestWins)
	assert.True(t, errors.Is(err, fault.ErrNotFound))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "fix-login-crash", slugify("Fix Login crash"))
	assert.Equal(t, "issue", slugify("!!!"))
}

func TestToForgeMapsStatus(t *testing.T) {
	fi := ToForge(localIssue(func(i *beads.Issue) { i.Status = beads.StatusBlocked }))
	assert.Equal(t, "open", fi.State, "blocked never crosses the boundary")

	fi = ToForge(localIssue(func(i *beads.Issue) { i.Status = beads.StatusClosed }))
	assert.Equal(t, "closed", fi.State)
}
