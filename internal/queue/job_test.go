package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromHashRoundTrip(t *testing.T) {
	j := New("id-1", "CHANNEL", "573205104418", `{"to":"573205104418"}`)

	fields := map[string]string{
		"status":        string(j.Status),
		"progress":      "3",
		"group":         j.GroupName,
		"data":          j.Data,
		"creation_time": j.CreationTime,
		"queue":         j.Queue,
	}

	j2, err := FromHash(j.ID, fields)
	require.NoError(t, err)
	require.Equal(t, j.ID, j2.ID)
	require.Equal(t, j.GroupName, j2.GroupName)
	require.Equal(t, j.Data, j2.Data)
	require.Equal(t, StatusPending, j2.Status)
	require.Equal(t, 3, j2.Progress)
}

func TestFromHashMissingFields(t *testing.T) {
	j, err := FromHash("id-2", map[string]string{})
	require.NoError(t, err)
	require.Equal(t, "id-2", j.ID)
	require.Equal(t, 0, j.Progress)
	require.Equal(t, Status(""), j.Status)
}

func TestStatusCanTransition(t *testing.T) {
	require.True(t, StatusPending.CanTransition(StatusActive))
	require.False(t, StatusPending.CanTransition(StatusCompleted))
	require.True(t, StatusActive.CanTransition(StatusCompleted))
	require.True(t, StatusActive.CanTransition(StatusFailed))
	require.False(t, StatusCompleted.CanTransition(StatusActive))
	require.False(t, StatusFailed.CanTransition(StatusCompleted))
}

func TestConsumerKeyHelpers(t *testing.T) {
	key := ConsumerField("Q", "G", "W1")
	require.Equal(t, "qube:Q:G:W1", key)
	require.True(t, len(QueueConsumerPrefix("Q")) > 0)
	require.Equal(t, "qube:Q:G:", GroupConsumerPrefix("Q", "G"))
	require.True(t, len(key) > len(GroupConsumerPrefix("Q", "G")))

	groupKey := GroupListKey("Q", "G")
	require.Equal(t, "G", GroupNameFromKey("Q", groupKey))
}
