package cytovae

// Close releases the compiled graph cache and the compute backend and marks
// the model closed. All later operations return ErrClosed.
//
// Close is idempotent and safe to call on a nil model. It must not overlap
// with in-flight operations.
func (m *Model) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.execs = nil
	m.backend.Finalize()
	return nil
}
