package subagent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trafficcontrol/trafficcontrol/internal/domain"
)

func TestNewTracker_RejectsInvalidMaxDepth(t *testing.T) {
	_, err := NewTracker(0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestTracker_RegisterRootAndSub(t *testing.T) {
	tr, err := NewTracker(3)
	require.NoError(t, err)

	require.NoError(t, tr.RegisterRoot("root"))
	assert.Equal(t, 0, tr.Depth("root"))

	require.NoError(t, tr.RegisterSub("root", "child"))
	assert.Equal(t, 1, tr.Depth("child"))
}

func TestTracker_RegisterSub_ParentNotFound(t *testing.T) {
	tr, _ := NewTracker(3)
	err := tr.RegisterSub("missing", "child")
	assert.ErrorIs(t, err, domain.ErrParentNotFound)
}

func TestTracker_RegisterSub_DepthExceeded(t *testing.T) {
	tr, _ := NewTracker(1)
	require.NoError(t, tr.RegisterRoot("root"))
	require.NoError(t, tr.RegisterSub("root", "child"))

	err := tr.RegisterSub("child", "grandchild")
	assert.ErrorIs(t, err, domain.ErrDepthExceeded)
}

func TestTracker_CanSpawn(t *testing.T) {
	tr, _ := NewTracker(1)
	require.NoError(t, tr.RegisterRoot("root"))
	assert.True(t, tr.CanSpawn("root"))

	require.NoError(t, tr.RegisterSub("root", "child"))
	assert.False(t, tr.CanSpawn("child"))
	assert.False(t, tr.CanSpawn("missing"))
}

func TestTracker_GetDescendants(t *testing.T) {
	tr, _ := NewTracker(3)
	require.NoError(t, tr.RegisterRoot("root"))
	require.NoError(t, tr.RegisterSub("root", "a"))
	require.NoError(t, tr.RegisterSub("root", "b"))
	require.NoError(t, tr.RegisterSub("a", "a1"))

	desc := tr.GetDescendants("root")
	assert.ElementsMatch(t, []string{"a", "b", "a1"}, desc)
}

func TestTracker_GetRoot(t *testing.T) {
	tr, _ := NewTracker(3)
	require.NoError(t, tr.RegisterRoot("root"))
	require.NoError(t, tr.RegisterSub("root", "a"))
	require.NoError(t, tr.RegisterSub("a", "a1"))

	assert.Equal(t, "root", tr.GetRoot("a1"))
	assert.Equal(t, "root", tr.GetRoot("root"))
	assert.Equal(t, "", tr.GetRoot("missing"))
}

func TestTracker_RemoveDropsSubtreeAndParentReference(t *testing.T) {
	tr, _ := NewTracker(3)
	require.NoError(t, tr.RegisterRoot("root"))
	require.NoError(t, tr.RegisterSub("root", "a"))
	require.NoError(t, tr.RegisterSub("a", "a1"))

	tr.Remove("a")

	assert.Equal(t, -1, tr.Depth("a"))
	assert.Equal(t, -1, tr.Depth("a1"))
	assert.Empty(t, tr.GetDescendants("root"))
}

func TestTracker_RemoveUnknownIsNoop(t *testing.T) {
	tr, _ := NewTracker(3)
	assert.NotPanics(t, func() { tr.Remove("missing") })
}
