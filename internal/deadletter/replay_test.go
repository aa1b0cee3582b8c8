package deadletter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/payhook/internal/dedup"
	"github.com/mattjoyce/payhook/internal/payment"
)

type fakeQueue struct {
	events []payment.Event
	err    error
}

func (f *fakeQueue) Enqueue(_ context.Context, ev payment.Event) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.events = append(f.events, ev)
	return "q_replay", nil
}

type replayFixture struct {
	sink     *SQLiteSink
	dedup    *dedup.Store
	queue    *fakeQueue
	replayer *Replayer
}

func newReplayFixture(t *testing.T) *replayFixture {
	db := openTestDB(t)
	f := &replayFixture{
		sink:  NewSQLiteSink(db),
		dedup: dedup.NewStore(db, dedup.Options{}),
		queue: &fakeQueue{},
	}
	f.replayer = NewReplayer(f.sink, f.dedup, f.queue)
	return f
}

// deadLetter stores e with its dedup record finalized as failed_terminal.
func (f *replayFixture) deadLetter(t *testing.T, e Entry) {
	t.Helper()
	ctx := context.Background()
	_, err := f.dedup.Begin(ctx, e.Event.Key(), e.Event.RawPayloadDigest)
	require.NoError(t, err)
	require.NoError(t, f.dedup.Finalize(ctx, e.Event.Key(), dedup.StatusFailedTerminal, e.Reason))
	require.NoError(t, f.sink.Append(ctx, e))
}

func TestReplayReopensAndEnqueues(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()
	e := testEntry("dl_1", "evt_1", deadAt)
	f.deadLetter(t, e)

	queueID, err := f.replayer.Replay(ctx, "dl_1")
	require.NoError(t, err)
	assert.Equal(t, "q_replay", queueID)

	require.Len(t, f.queue.events, 1)
	assert.Equal(t, e.Event, f.queue.events[0])

	rec, err := f.dedup.Get(ctx, e.Event.Key())
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusPending, rec.Status)

	got, err := f.sink.Get(ctx, "dl_1")
	require.NoError(t, err)
	assert.True(t, got.Replayed())

	_, err = f.replayer.Replay(ctx, "dl_1")
	assert.ErrorIs(t, err, ErrAlreadyReplayed)
	assert.Len(t, f.queue.events, 1)
}

func TestReplayAfterDedupRecordPruned(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()
	e := testEntry("dl_1", "evt_1", deadAt)
	require.NoError(t, f.sink.Append(ctx, e))

	_, err := f.replayer.Replay(ctx, "dl_1")
	require.NoError(t, err)

	rec, err := f.dedup.Get(ctx, e.Event.Key())
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusPending, rec.Status)
	assert.Len(t, f.queue.events, 1)
}

func TestReplayRefusesInFlightEvent(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()
	e := testEntry("dl_1", "evt_1", deadAt)
	require.NoError(t, f.sink.Append(ctx, e))
	_, err := f.dedup.Begin(ctx, e.Event.Key(), "")
	require.NoError(t, err)

	_, err = f.replayer.Replay(ctx, "dl_1")
	assert.ErrorContains(t, err, "already pending")
	assert.Empty(t, f.queue.events)

	got, err := f.sink.Get(ctx, "dl_1")
	require.NoError(t, err)
	assert.False(t, got.Replayed())
}

func TestReplayUnknownID(t *testing.T) {
	f := newReplayFixture(t)
	_, err := f.replayer.Replay(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReplayEnqueueFailureRestoresDedupRecord(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()
	e := testEntry("dl_1", "evt_1", deadAt)
	f.deadLetter(t, e)
	f.queue.err = errors.New("database is locked")

	_, err := f.replayer.Replay(ctx, "dl_1")
	assert.ErrorContains(t, err, "database is locked")

	got, err := f.sink.Get(ctx, "dl_1")
	require.NoError(t, err)
	assert.False(t, got.Replayed())

	rec, err := f.dedup.Get(ctx, e.Event.Key())
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusFailedTerminal, rec.Status)
	assert.Equal(t, e.Reason, rec.Reason)

	f.queue.err = nil
	queueID, err := f.replayer.Replay(ctx, "dl_1")
	require.NoError(t, err)
	assert.Equal(t, "q_replay", queueID)
	assert.Len(t, f.queue.events, 1)

	rec, err = f.dedup.Get(ctx, e.Event.Key())
	require.NoError(t, err)
	assert.Equal(t, dedup.StatusPending, rec.Status)
}

func TestReplayEnqueueFailureAfterPruneReleasesClaim(t *testing.T) {
	f := newReplayFixture(t)
	ctx := context.Background()
	e := testEntry("dl_1", "evt_1", deadAt)
	require.NoError(t, f.sink.Append(ctx, e))
	f.queue.err = errors.New("database is locked")

	_, err := f.replayer.Replay(ctx, "dl_1")
	require.Error(t, err)

	_, err = f.dedup.Get(ctx, e.Event.Key())
	assert.ErrorIs(t, err, dedup.ErrNotFound)

	f.queue.err = nil
	_, err = f.replayer.Replay(ctx, "dl_1")
	require.NoError(t, err)
	assert.Len(t, f.queue.events, 1)
}
