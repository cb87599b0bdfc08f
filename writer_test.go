package reverb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func testConfig() Config {
	return Config{
		Endpoint:                "fake:0",
		DefaultMaxChunkLength:   1,
		DefaultNumKeepAliveRefs: 4,
		ReconnectBackoff:        5 * time.Millisecond,
	}
}

func TestTrajectoryWriter_RetriesOnTransientError(t *testing.T) {
	dialer := &fakeDialer{gen: func(generation int) *fakeStream {
		if generation == 1 {
			return newFakeStream(status.Error(codes.Unavailable, "connection reset"), false)
		}
		return newFakeStream(nil, true)
	}}

	w, err := NewTrajectoryWriter(dialer, testConfig())
	require.NoError(t, err)
	defer w.Close()

	refs, err := w.Append(map[int]Value{0: scalarValue(1)})
	require.NoError(t, err)

	require.NoError(t, w.CreateItem("table", 1.0, []TrajectoryColumn{{Cells: []*CellRef{refs[0]}}}))

	err = w.Flush(0, 2*time.Second)
	assert.NoError(t, err)
}

func TestTrajectoryWriter_StopsOnNonTransientError(t *testing.T) {
	dialer := &fakeDialer{gen: func(generation int) *fakeStream {
		return newFakeStream(status.Error(codes.Internal, "corrupt wire message"), false)
	}}

	w, err := NewTrajectoryWriter(dialer, testConfig())
	require.NoError(t, err)
	defer w.Close()

	refs, err := w.Append(map[int]Value{0: scalarValue(1)})
	require.NoError(t, err)
	require.NoError(t, w.CreateItem("table", 1.0, []TrajectoryColumn{{Cells: []*CellRef{refs[0]}}}))

	err = w.Flush(0, 2*time.Second)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Internal, st.Code())

	// The latched status is terminal: every subsequent operation sees it.
	_, err = w.Append(map[int]Value{0: scalarValue(2)})
	require.Error(t, err)
	st, _ = status.FromError(err)
	assert.Equal(t, codes.Internal, st.Code())
}

func TestTrajectoryWriter_FlushCanIgnorePendingItems(t *testing.T) {
	dialer := &fakeDialer{gen: func(generation int) *fakeStream {
		return newFakeStream(nil, true)
	}}

	w, err := NewTrajectoryWriter(dialer, Config{
		Endpoint:                "fake:0",
		DefaultMaxChunkLength:   5,
		DefaultNumKeepAliveRefs: 5,
		ReconnectBackoff:        5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()

	refs, err := w.Append(map[int]Value{0: scalarValue(1)})
	require.NoError(t, err)

	// This item's only cell is not yet ready (chunk length 5, one append
	// staged) and will never become ready without a flush.
	require.NoError(t, w.CreateItem("table", 1.0, []TrajectoryColumn{{Cells: []*CellRef{refs[0]}}}))

	err = w.Flush(1, 200*time.Millisecond)
	assert.NoError(t, err)
}

func TestTrajectoryWriter_SendsChunksAsColumnsSealIndependently(t *testing.T) {
	var stream *fakeStream
	dialer := &fakeDialer{gen: func(generation int) *fakeStream {
		stream = newFakeStream(nil, true)
		return stream
	}}

	w, err := NewTrajectoryWriter(dialer, Config{
		Endpoint:                "fake:0",
		DefaultMaxChunkLength:   1,
		DefaultNumKeepAliveRefs: 4,
		ReconnectBackoff:        5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.ConfigureChunker(1, ChunkerOptions{MaxChunkLength: 2, NumKeepAliveRefs: 4}))

	refs, err := w.Append(map[int]Value{
		0: scalarValue(1), // column 0: MaxChunkLength 1, seals on this append
		1: scalarValue(10), // column 1: MaxChunkLength 2, stays staged
	})
	require.NoError(t, err)

	require.NoError(t, w.CreateItem("table", 1.0, []TrajectoryColumn{
		{Cells: []*CellRef{refs[0]}},
		{Cells: []*CellRef{refs[1]}},
	}))

	// Column 0's chunk reaches the wire as soon as it seals, even though
	// column 1 (and so the item as a whole) is still not ready.
	require.Eventually(t, func() bool {
		return len(stream.snapshotSent()) >= 1
	}, time.Second, time.Millisecond)

	sentSoFar := stream.snapshotSent()
	require.Len(t, sentSoFar, 1)
	assert.NotNil(t, sentSoFar[0].Chunk)
	assert.Nil(t, sentSoFar[0].Item)

	_, err = w.Append(map[int]Value{1: scalarValue(11)})
	require.NoError(t, err)

	require.NoError(t, w.Flush(0, 2*time.Second))

	sentAfter := stream.snapshotSent()
	require.Len(t, sentAfter, 3)
	assert.NotNil(t, sentAfter[0].Chunk, "column 0's chunk")
	assert.NotNil(t, sentAfter[1].Chunk, "column 1's chunk, sealed by the second append")
	assert.NotNil(t, sentAfter[2].Item, "item, only once both columns are ready")
}

func TestTrajectoryWriter_FlushSealsStalledChunksToMakeProgress(t *testing.T) {
	dialer := &fakeDialer{gen: func(generation int) *fakeStream {
		return newFakeStream(nil, true)
	}}

	w, err := NewTrajectoryWriter(dialer, Config{
		Endpoint:                "fake:0",
		DefaultMaxChunkLength:   5,
		DefaultNumKeepAliveRefs: 5,
		ReconnectBackoff:        5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()

	refs, err := w.Append(map[int]Value{0: scalarValue(1)})
	require.NoError(t, err)
	require.NoError(t, w.CreateItem("table", 1.0, []TrajectoryColumn{{Cells: []*CellRef{refs[0]}}}))

	err = w.Flush(0, 2*time.Second)
	assert.NoError(t, err)
}

func TestTrajectoryWriter_FlushReturnsDeadlineExceeded(t *testing.T) {
	dialer := &fakeDialer{gen: func(generation int) *fakeStream {
		// Accepts sends but never confirms, so the item sits in the
		// pending-confirm queue forever.
		return newFakeStream(nil, false)
	}}

	w, err := NewTrajectoryWriter(dialer, testConfig())
	require.NoError(t, err)
	defer w.Close()

	refs, err := w.Append(map[int]Value{0: scalarValue(1)})
	require.NoError(t, err)
	require.NoError(t, w.CreateItem("table", 1.0, []TrajectoryColumn{{Cells: []*CellRef{refs[0]}}}))

	err = w.Flush(0, 50*time.Millisecond)
	require.Error(t, err)
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.DeadlineExceeded, st.Code())
	assert.Contains(t, st.Message(), "awaiting confirmation")
}

func TestTrajectoryWriter_CreateItemRejectsExpiredCellRefs(t *testing.T) {
	dialer := &fakeDialer{gen: func(generation int) *fakeStream { return newFakeStream(nil, true) }}

	w, err := NewTrajectoryWriter(dialer, Config{
		Endpoint:                "fake:0",
		DefaultMaxChunkLength:   1,
		DefaultNumKeepAliveRefs: 1,
		ReconnectBackoff:        5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer w.Close()

	refs1, err := w.Append(map[int]Value{0: scalarValue(1)})
	require.NoError(t, err)
	_, err = w.Append(map[int]Value{0: scalarValue(2)})
	require.NoError(t, err)

	require.True(t, refs1[0].Expired())

	err = w.CreateItem("table", 1.0, []TrajectoryColumn{{Cells: []*CellRef{refs1[0]}}})
	require.Error(t, err)
	st, _ := status.FromError(err)
	assert.Equal(t, codes.InvalidArgument, st.Code())
}

func TestTrajectoryWriter_EndEpisodeAdvancesEpisodeID(t *testing.T) {
	dialer := &fakeDialer{gen: func(generation int) *fakeStream { return newFakeStream(nil, true) }}

	w, err := NewTrajectoryWriter(dialer, testConfig())
	require.NoError(t, err)
	defer w.Close()

	refs1, err := w.Append(map[int]Value{0: scalarValue(1)})
	require.NoError(t, err)
	firstEpisode := refs1[0].EpisodeID()

	require.NoError(t, w.EndEpisode(false, 2*time.Second))

	refs2, err := w.Append(map[int]Value{0: scalarValue(2)})
	require.NoError(t, err)
	assert.NotEqual(t, firstEpisode, refs2[0].EpisodeID())
	assert.Equal(t, int64(0), refs2[0].EpisodeStep())
}

func TestTrajectoryWriter_EndEpisodeClearBuffersExpiresHistory(t *testing.T) {
	dialer := &fakeDialer{gen: func(generation int) *fakeStream { return newFakeStream(nil, true) }}

	w, err := NewTrajectoryWriter(dialer, testConfig())
	require.NoError(t, err)
	defer w.Close()

	refs, err := w.Append(map[int]Value{0: scalarValue(1)})
	require.NoError(t, err)

	require.NoError(t, w.EndEpisode(true, 2*time.Second))
	assert.True(t, refs[0].Expired())
}

func TestTrajectoryWriter_OperationsFailAfterClose(t *testing.T) {
	dialer := &fakeDialer{gen: func(generation int) *fakeStream { return newFakeStream(nil, true) }}

	w, err := NewTrajectoryWriter(dialer, testConfig())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = w.Append(map[int]Value{0: scalarValue(1)})
	require.Error(t, err)
	assert.True(t, IsCancelled(err))
}

func TestTrajectoryWriter_ConfigureChunkerBeforeFirstAppend(t *testing.T) {
	dialer := &fakeDialer{gen: func(generation int) *fakeStream { return newFakeStream(nil, true) }}

	w, err := NewTrajectoryWriter(dialer, testConfig())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.ConfigureChunker(0, ChunkerOptions{MaxChunkLength: 2, NumKeepAliveRefs: 2}))

	ref1, err := w.Append(map[int]Value{0: scalarValue(1)})
	require.NoError(t, err)
	assert.False(t, ref1[0].IsReady())

	ref2, err := w.Append(map[int]Value{0: scalarValue(2)})
	require.NoError(t, err)
	assert.True(t, ref2[0].IsReady())
}
