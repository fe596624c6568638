package hub

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/corvus-ci/enginectl/internal/models"
	"github.com/stretchr/testify/require"
)

func newTestHub() *Hub {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func noReplay(string, int64) ([]models.LogEntry, error) { return nil, nil }

func TestSubscribeReceivesLiveEntries(t *testing.T) {
	h := newTestHub()

	sub, err := h.Subscribe("build-1", 0, noReplay)
	require.NoError(t, err)
	require.Empty(t, sub.Initial)

	h.Publish("build-1", models.LogEntry{BuildID: "build-1", Sequence: 1, Message: "hello"})

	select {
	case entry := <-sub.Live:
		require.Equal(t, "hello", entry.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live entry")
	}
}

func TestSubscribeReplaysPersistedEntriesAtomically(t *testing.T) {
	h := newTestHub()
	replay := func(buildID string, afterSeq int64) ([]models.LogEntry, error) {
		return []models.LogEntry{
			{BuildID: buildID, Sequence: 1, Message: "first"},
			{BuildID: buildID, Sequence: 2, Message: "second"},
		}, nil
	}

	sub, err := h.Subscribe("build-2", 0, replay)
	require.NoError(t, err)
	require.Len(t, sub.Initial, 2)
	require.Equal(t, "first", sub.Initial[0].Message)
}

func TestPublishDropsSlowSubscriber(t *testing.T) {
	h := newTestHub()
	sub, err := h.Subscribe("build-3", 0, noReplay)
	require.NoError(t, err)

	for i := 0; i < defaultQueueSize+1; i++ {
		h.Publish("build-3", models.LogEntry{BuildID: "build-3", Sequence: int64(i + 1)})
	}

	_, ok := <-sub.Live
	for ok {
		_, ok = <-sub.Live
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	h := newTestHub()
	sub, err := h.Subscribe("build-4", 0, noReplay)
	require.NoError(t, err)

	sub.Unsubscribe()
	h.Publish("build-4", models.LogEntry{BuildID: "build-4", Sequence: 1})

	_, ok := <-sub.Live
	require.False(t, ok)
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	h := newTestHub()
	sub, err := h.Subscribe("build-5", 0, noReplay)
	require.NoError(t, err)

	h.Close("build-5")

	_, ok := <-sub.Live
	require.False(t, ok)
}
