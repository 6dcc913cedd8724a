package stream

// BatchResult is what one flush cycle collected.
type BatchResult struct {
	// Changed holds accepted basenames in arrival order, duplicates included.
	Changed []string
	// TriggeredReload is set when any accepted file forced a full reload.
	TriggeredReload bool
}

// Empty reports whether no file was accepted.
func (r BatchResult) Empty() bool {
	return len(r.Changed) == 0
}

// Batch accumulates accepted files between flushes.
type Batch struct {
	changed []string
	reload  bool
}

// Accept records one accepted file.
func (b *Batch) Accept(basename string) {
	b.changed = append(b.changed, basename)
}

// MarkReload notes that a full page reload is owed for this batch.
func (b *Batch) MarkReload() {
	b.reload = true
}

// Len returns the number of accepted files so far.
func (b *Batch) Len() int {
	return len(b.changed)
}

// Flush returns the accumulated result and resets the batch.
func (b *Batch) Flush() BatchResult {
	result := BatchResult{Changed: b.changed, TriggeredReload: b.reload}
	b.changed = nil
	b.reload = false
	return result
}
