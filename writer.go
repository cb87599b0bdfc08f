package reverb

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cartridge/reverb/internal/wire"
)

// TrajectoryWriter is the client-side facade described in spec §1/§4: it
// accumulates per-step values into per-column Chunkers, assembles Items
// out of CellRefs, and hands both off to a background stream worker for
// delivery. A single mutex serializes all Chunker and queue state; the
// worker and every exported method share it via a *sync.Cond so callers
// can block on delivery progress without busy-waiting.
type TrajectoryWriter struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg    Config
	logger zerolog.Logger

	columns        map[int]*Chunker
	pendingOptions map[int]ChunkerOptions

	episodeID   uint64
	episodeSeq  uint64
	episodeStep int64

	worker *streamWorker
	closed bool
}

// Option configures a TrajectoryWriter at construction time.
type Option func(*TrajectoryWriter)

// WithLogger attaches a zerolog.Logger the writer and its stream worker
// log through. Defaults to a no-op logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(w *TrajectoryWriter) { w.logger = logger }
}

// NewTrajectoryWriter builds a TrajectoryWriter that delivers over
// streams opened by dialer, and starts its background stream worker.
func NewTrajectoryWriter(dialer wire.Dialer, cfg Config, opts ...Option) (*TrajectoryWriter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	w := &TrajectoryWriter{
		cfg:            cfg,
		logger:         zerolog.Nop(),
		columns:        make(map[int]*Chunker),
		pendingOptions: make(map[int]ChunkerOptions),
		episodeID:      1,
		episodeSeq:     1,
	}
	w.cond = sync.NewCond(&w.mu)
	for _, opt := range opts {
		opt(w)
	}

	w.worker = newStreamWorker(w.cond, dialer, w.logger, w.liveKeepKeysLocked, w.cfg.ReconnectBackoff)
	w.worker.start()

	return w, nil
}

// Append stages one step's worth of values, keyed by column index, and
// returns a CellRef per column. Columns are allocated their Chunker
// lazily, on first append, using either a prior ConfigureChunker call
// for that index or the writer's defaults.
func (w *TrajectoryWriter) Append(step map[int]Value) (map[int]*CellRef, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkErrLocked(); err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(step))
	for i := range step {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	refs := make(map[int]*CellRef, len(step))
	for _, col := range indices {
		ch, err := w.chunkerForLocked(col, step[col])
		if err != nil {
			return nil, err
		}
		ref, err := ch.Append(step[col], w.episodeID, w.episodeStep)
		if err != nil {
			return nil, err
		}
		refs[col] = ref
	}
	w.episodeStep++
	w.cond.Broadcast()
	return refs, nil
}

// chunkerForLocked returns the Chunker for column col, allocating it
// from a pending ConfigureChunker call or the writer's defaults if this
// is the column's first append. Callers must hold w.mu.
func (w *TrajectoryWriter) chunkerForLocked(col int, sample Value) (*Chunker, error) {
	if ch, ok := w.columns[col]; ok {
		return ch, nil
	}

	opts := w.cfg.defaultChunkerOptions()
	if pending, ok := w.pendingOptions[col]; ok {
		opts = pending
		delete(w.pendingOptions, col)
	}

	spec := ColumnSpec{
		Name:  fmt.Sprintf("column_%d", col),
		Dtype: sample.Dtype,
		Shape: sample.Shape,
	}
	ch, err := NewChunker(col, spec, opts)
	if err != nil {
		return nil, err
	}
	w.columns[col] = ch
	return ch, nil
}

// ConfigureChunker sets the batching and keep-alive parameters for a
// column. If the column has already been allocated, it is reconfigured
// in place (failing if its staging buffer is non-empty); otherwise the
// options are held until the column's first Append per spec §6.
func (w *TrajectoryWriter) ConfigureChunker(col int, opts ChunkerOptions) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkErrLocked(); err != nil {
		return err
	}
	if ch, ok := w.columns[col]; ok {
		return ch.ApplyConfig(opts)
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	w.pendingOptions[col] = opts
	return nil
}

// CreateItem validates and enqueues an item for delivery. The item is
// sent once every CellRef in its trajectory has a finalized chunk;
// CreateItem itself does not block on that.
func (w *TrajectoryWriter) CreateItem(table string, priority float64, trajectory []TrajectoryColumn) error {
	it := &Item{
		Key:                      newKey(),
		Table:                    table,
		Priority:                 priority,
		Trajectory:               trajectory,
		SendConfirmationRequired: true,
	}
	if err := it.validate(); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkErrLocked(); err != nil {
		return err
	}
	w.worker.enqueueLocked(it)
	return nil
}

// Flush blocks until every item created before this call, except the
// last ignoreLastNumItems of them, has been confirmed by the server. A
// zero timeout waits indefinitely; a positive timeout returns
// DeadlineExceeded if it elapses first. Columns still staging data that
// a waited-on item needs are sealed as part of the call, so Flush
// itself can make stalled items ready.
func (w *TrajectoryWriter) Flush(ignoreLastNumItems int, timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ignoreLastNumItems, timeout)
}

func (w *TrajectoryWriter) flushLocked(ignoreLastNumItems int, timeout time.Duration) error {
	if err := w.checkErrLocked(); err != nil {
		return err
	}

	target := w.worker.totalEnqueuedLocked()
	if ignoreLastNumItems > 0 {
		if uint64(ignoreLastNumItems) >= target {
			target = 0
		} else {
			target -= uint64(ignoreLastNumItems)
		}
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		pending := w.worker.pendingUpToLocked(target)
		if len(pending) == 0 {
			return nil
		}
		w.sealStalledLocked(pending)

		if err := w.checkErrLocked(); err != nil {
			return err
		}

		if !w.waitLocked(deadline) {
			pw, pc := w.worker.countsLocked()
			return deadlineExceeded(pw, pc)
		}
	}
}

// sealStalledLocked flushes every column that a not-yet-ready pending
// item depends on, so Flush/EndEpisode can make progress on items whose
// chunk would otherwise wait for MaxChunkLength more appends. Callers
// must hold w.mu.
func (w *TrajectoryWriter) sealStalledLocked(pending []*Item) {
	seen := make(map[int]struct{})
	for _, it := range pending {
		for _, col := range it.Trajectory {
			if col.ready() || len(col.Cells) == 0 {
				continue
			}
			idx := col.Cells[0].ColumnIndex()
			if _, ok := seen[idx]; ok {
				continue
			}
			seen[idx] = struct{}{}
			if ch, ok := w.columns[idx]; ok {
				ch.Flush()
			}
		}
	}
	if len(seen) > 0 {
		w.cond.Broadcast()
	}
}

// waitLocked blocks on w.cond until woken, returning false if deadline
// has already passed. Callers must hold w.mu; deadline may be zero for
// no timeout.
func (w *TrajectoryWriter) waitLocked(deadline time.Time) bool {
	if deadline.IsZero() {
		w.cond.Wait()
		return true
	}
	if !time.Now().Before(deadline) {
		return false
	}
	timer := time.AfterFunc(time.Until(deadline), func() {
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
	})
	defer timer.Stop()
	w.cond.Wait()
	return time.Now().Before(deadline)
}

// EndEpisode flushes every pending item, seals every column's staging
// buffer regardless of whether an item needs it, and starts a fresh
// episode. If clearBuffers is true, every column's keep-alive ring is
// also expired, invalidating all outstanding CellRefs.
func (w *TrajectoryWriter) EndEpisode(clearBuffers bool, timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(0, timeout); err != nil {
		return err
	}

	for _, ch := range w.columns {
		ch.Flush()
		if clearBuffers {
			ch.Reset()
		}
	}

	w.episodeSeq++
	w.episodeID = w.episodeSeq
	w.episodeStep = 0
	w.cond.Broadcast()
	return nil
}

// Close tears down the stream worker immediately, without waiting for
// outstanding confirmations. Every operation attempted afterwards
// returns a Cancelled error. Callers that want delivery guarantees must
// call Flush or EndEpisode before Close.
func (w *TrajectoryWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.worker.close()
	return nil
}

// checkErrLocked surfaces the writer's own shutdown state ahead of the
// worker's, then defers to the worker's terminal/closed status. Callers
// must hold w.mu.
func (w *TrajectoryWriter) checkErrLocked() error {
	if w.closed {
		return cancelled()
	}
	return w.worker.checkErrLocked()
}

// liveKeepKeysLocked returns the union of keep-alive chunk keys across
// every column's Chunker, computed at send time so it always reflects
// the current ring state. Callers must hold w.mu (it is invoked by the
// stream worker under the shared lock).
func (w *TrajectoryWriter) liveKeepKeysLocked() map[uint64]struct{} {
	keys := make(map[uint64]struct{})
	for _, ch := range w.columns {
		for k := range ch.GetKeepKeys() {
			keys[k] = struct{}{}
		}
	}
	return keys
}
