package reverb

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/reverb/internal/wire"
)

// itemRecord pairs an Item with the monotonic sequence number it was
// created under, used to answer "has everything up through item N been
// confirmed" for Flush/EndEpisode.
type itemRecord struct {
	item *Item
	seq  uint64
}

// streamWorker owns the single background goroutine that drains the
// item queue onto an Insert stream, reconnecting on transient failure
// and latching the first non-transient status as terminal. It shares
// its condition variable's mutex with the owning TrajectoryWriter, so
// Chunker and Item state can be inspected and mutated from either side
// without a second lock.
type streamWorker struct {
	cond   *sync.Cond
	dialer wire.Dialer
	logger zerolog.Logger

	keepKeysLocked func() map[uint64]struct{}
	backoff        time.Duration

	outbox         []*itemRecord
	pendingConfirm []*itemRecord
	nextSeq        uint64

	connErr     error
	terminalErr error
	closed      bool

	cancel context.CancelFunc
	doneCh chan struct{}
}

func newStreamWorker(cond *sync.Cond, dialer wire.Dialer, logger zerolog.Logger, keepKeysLocked func() map[uint64]struct{}, backoff time.Duration) *streamWorker {
	return &streamWorker{
		cond:           cond,
		dialer:         dialer,
		logger:         logger,
		keepKeysLocked: keepKeysLocked,
		backoff:        backoff,
		nextSeq:        1,
		doneCh:         make(chan struct{}),
	}
}

// start launches the background goroutine. Called once, before the
// writer is handed back to the caller.
func (w *streamWorker) start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
}

// enqueueLocked appends item to the outbox under its own sequence
// number. Callers must already hold cond.L.
func (w *streamWorker) enqueueLocked(item *Item) {
	rec := &itemRecord{item: item, seq: w.nextSeq}
	w.nextSeq++
	w.outbox = append(w.outbox, rec)
	w.cond.Broadcast()
}

// checkErrLocked returns the terminal or shutdown error that should be
// surfaced to new writer operations, if any. Callers must already hold
// cond.L.
func (w *streamWorker) checkErrLocked() error {
	if w.closed {
		return cancelled()
	}
	if w.terminalErr != nil {
		return w.terminalErr
	}
	return nil
}

// countsLocked reports the pending-write and pending-confirm queue
// lengths, used to build the DeadlineExceeded message. Callers must
// already hold cond.L.
func (w *streamWorker) countsLocked() (pendingWrite, pendingConfirm int) {
	return len(w.outbox), len(w.pendingConfirm)
}

// totalEnqueuedLocked returns the sequence number of the most recently
// enqueued item. Callers must already hold cond.L.
func (w *streamWorker) totalEnqueuedLocked() uint64 {
	return w.nextSeq - 1
}

// pendingUpToLocked returns the still-unconfirmed items with sequence
// number <= target, across both queues. Callers must already hold
// cond.L.
func (w *streamWorker) pendingUpToLocked(target uint64) []*Item {
	var out []*Item
	for _, rec := range w.outbox {
		if rec.seq <= target {
			out = append(out, rec.item)
		}
	}
	for _, rec := range w.pendingConfirm {
		if rec.seq <= target {
			out = append(out, rec.item)
		}
	}
	return out
}

// close signals the background goroutine to tear down without waiting
// for confirmations, and blocks until it has exited.
func (w *streamWorker) close() {
	w.cond.L.Lock()
	if w.closed {
		w.cond.L.Unlock()
		return
	}
	w.closed = true
	w.cond.Broadcast()
	w.cond.L.Unlock()

	if w.cancel != nil {
		w.cancel()
	}
	<-w.doneCh
}

// run drives successive connections until told to stop, reconnecting
// after a transient failure and exiting once the worker is closed or a
// non-transient status has been latched.
func (w *streamWorker) run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		w.cond.L.Lock()
		stop := w.closed || w.terminalErr != nil
		w.cond.L.Unlock()
		if stop {
			return
		}

		if w.runConnection(ctx) {
			w.logger.Warn().Dur("backoff", w.backoff).Msg("reverb: stream worker reconnecting")
			time.Sleep(w.backoff)
			continue
		}
		return
	}
}

// runConnection dials one Insert stream and drives it until it fails,
// is closed, or a terminal status is reached. It returns true if the
// caller should dial a fresh connection and keep going.
func (w *streamWorker) runConnection(parentCtx context.Context) bool {
	cctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	stream, err := w.dialer.Dial(cctx)
	if err != nil {
		return w.settleConnection(err)
	}

	sentChunks := make(map[uint64]struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			msg, err := stream.Recv()
			if err != nil {
				w.noteFailure(err)
				return
			}
			w.onConfirm(msg.ConfirmedItemKey)
		}
	}()

	for {
		rec, ok := w.waitProgress(sentChunks)
		if !ok {
			break
		}
		if err := w.sendReadyChunks(stream, sentChunks, rec.item); err != nil {
			w.noteFailure(err)
			break
		}
		if !rec.item.ready() {
			continue
		}
		if err := w.sendItem(stream, rec); err != nil {
			w.noteFailure(err)
			break
		}
		w.markSent(rec)
	}

	_ = stream.CloseSend()
	cancel()
	<-readerDone

	return w.settleConnection(stream.Finish())
}

// waitProgress blocks until the head of the outbox has something new to
// send -- a required chunk not yet on the wire for this connection, or
// the item itself once every one of its cells is ready -- or returns
// false once the connection should be abandoned (closed, terminal, or a
// connection error has already been noted).
func (w *streamWorker) waitProgress(sentChunks map[uint64]struct{}) (*itemRecord, bool) {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()
	for {
		if w.closed || w.terminalErr != nil || w.connErr != nil {
			return nil, false
		}
		if len(w.outbox) > 0 && hasProgress(w.outbox[0].item, sentChunks) {
			return w.outbox[0], true
		}
		w.cond.Wait()
	}
}

// hasProgress reports whether item has a required chunk not yet in sent,
// or is itself ready to send. Callers must already hold cond.L.
func hasProgress(item *Item, sent map[uint64]struct{}) bool {
	for key := range item.requiredChunks() {
		if _, ok := sent[key]; !ok {
			return true
		}
	}
	return item.ready()
}

// sendReadyChunks writes whichever of item's required chunks have
// sealed and have not already been sent on this connection. It is
// called on every wakeup, independent of whether item as a whole is
// ready, so a column that seals early reaches the wire immediately
// instead of waiting on its slower siblings.
func (w *streamWorker) sendReadyChunks(stream wire.Stream, sentChunks map[uint64]struct{}, item *Item) error {
	for key, chunk := range item.requiredChunks() {
		if _, ok := sentChunks[key]; ok {
			continue
		}
		if err := stream.Send(&wire.ClientMessage{Chunk: chunkToWire(chunk)}); err != nil {
			return err
		}
		sentChunks[key] = struct{}{}
	}
	return nil
}

// sendItem writes rec's item message. Callers must only call this once
// rec.item.ready() and its required chunks have already been sent.
func (w *streamWorker) sendItem(stream wire.Stream, rec *itemRecord) error {
	w.cond.L.Lock()
	keepKeys := w.keepKeysLocked()
	w.cond.L.Unlock()
	return stream.Send(&wire.ClientMessage{Item: itemToWire(rec.item, keepKeys)})
}

// markSent moves rec from the outbox to the pending-confirm queue.
func (w *streamWorker) markSent(rec *itemRecord) {
	w.cond.L.Lock()
	w.outbox = w.outbox[1:]
	w.pendingConfirm = append(w.pendingConfirm, rec)
	w.cond.Broadcast()
	w.cond.L.Unlock()
}

// onConfirm removes the item with the given key from the
// pending-confirm queue, wherever it is in the queue -- the server is
// not required to confirm in send order, only the writer's own send
// order is guaranteed.
func (w *streamWorker) onConfirm(key uint64) {
	w.cond.L.Lock()
	for i, rec := range w.pendingConfirm {
		if rec.item.Key == key {
			w.pendingConfirm = append(w.pendingConfirm[:i:i], w.pendingConfirm[i+1:]...)
			break
		}
	}
	w.cond.Broadcast()
	w.cond.L.Unlock()
}

// noteFailure records the first error either half of the connection
// observes. Idempotent: whichever of the sender or the reader notices
// first wins.
func (w *streamWorker) noteFailure(err error) {
	w.cond.L.Lock()
	if w.connErr == nil {
		w.connErr = err
	}
	w.cond.Broadcast()
	w.cond.L.Unlock()
}

// settleConnection decides what a torn-down connection means for the
// worker as a whole: requeue-and-retry on a transient status, latch a
// terminal error otherwise. Returns true iff the caller should dial
// again.
func (w *streamWorker) settleConnection(finishErr error) bool {
	w.cond.L.Lock()
	defer w.cond.L.Unlock()

	if w.closed {
		return false
	}

	err := w.connErr
	if err == nil {
		err = finishErr
	}
	if err == nil {
		// Loop exited with no error recorded; nothing more to do on
		// this connection for now (only possible during shutdown).
		return false
	}

	if isTransient(err) {
		w.logger.Warn().Err(err).Msg("reverb: stream worker lost connection, retrying")
		w.outbox = append(w.pendingConfirm, w.outbox...)
		w.pendingConfirm = nil
		w.connErr = nil
		return true
	}

	w.logger.Error().Err(err).Msg("reverb: stream worker latched terminal status")
	w.terminalErr = terminal(err)
	w.cond.Broadcast()
	return false
}

// chunkToWire encodes a finalized Chunk as its wire message.
func chunkToWire(chunk *Chunk) *wire.ChunkMessage {
	return &wire.ChunkMessage{
		ChunkKey:    chunk.Key,
		EpisodeID:   chunk.Range.EpisodeID,
		StartStep:   chunk.Range.StartStep,
		EndStep:     chunk.Range.EndStep,
		Sparse:      chunk.Range.Sparse,
		ColumnIndex: int32(chunk.ColumnIndex),
		Dtype:       int32(chunk.Dtype),
		Shape:       []int64(chunk.CellShape),
		Payload:     chunk.cells,
	}
}

// itemToWire encodes an Item as its wire message, slicing each column's
// cells into contiguous per-chunk runs.
func itemToWire(item *Item, keepKeys map[uint64]struct{}) *wire.ItemMessage {
	cols := make([]wire.ColumnSlices, len(item.Trajectory))
	for i, col := range item.Trajectory {
		cols[i] = columnToWire(col)
	}
	keys := make([]uint64, 0, len(keepKeys))
	for k := range keepKeys {
		keys = append(keys, k)
	}
	return &wire.ItemMessage{
		Key:              item.Key,
		Table:            item.Table,
		Priority:         item.Priority,
		Columns:          cols,
		KeepChunkKeys:    keys,
		SendConfirmation: item.SendConfirmationRequired,
	}
}

// columnToWire groups a column's cells into contiguous per-chunk
// slices, so a column drawing several consecutive cells from the same
// chunk costs one slice rather than one per cell.
func columnToWire(col TrajectoryColumn) wire.ColumnSlices {
	var slices []wire.Slice
	for _, cell := range col.Cells {
		key, offset := cell.keyAndOffset()
		if n := len(slices); n > 0 {
			last := &slices[n-1]
			if last.ChunkKey == key && int(last.Offset)+int(last.Length) == offset {
				last.Length++
				continue
			}
		}
		slices = append(slices, wire.Slice{ChunkKey: key, Offset: int32(offset), Length: 1, Squeeze: col.Squeeze})
	}
	return wire.ColumnSlices{Slices: slices}
}
