package reverb

// History returns column's keep-alive ring, oldest first, mirroring the
// original Python TrajectoryWriter's `history` property. Returns an
// error if the column has never been appended to.
func (w *TrajectoryWriter) History(column int) ([]*CellRef, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ch, ok := w.columns[column]
	if !ok {
		return nil, invalidArgument("column %d has never been appended to", column)
	}
	return ch.History(), nil
}
