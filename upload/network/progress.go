package network

// Event is a single progress notification. ChunkIndex is -1 for events that
// are not tied to a chunk, ProcessingPercent is -1 outside the processing
// phase.
type Event struct {
	Phase             Phase
	ChunkIndex        int
	TotalChunks       int
	BytesTransferred  int64
	TotalBytes        int64
	ProcessingPercent int
}

// ProgressReporter receives progress events during an upload. Implementations
// must be safe for concurrent use and should return quickly, the engine calls
// them inline.
type ProgressReporter interface {
	OnProgress(event Event)
}

// NopReporter discards all progress events.
type NopReporter struct{}

// OnProgress ...
func (NopReporter) OnProgress(Event) {}

// ReporterFunc adapts a function to the ProgressReporter interface.
type ReporterFunc func(Event)

// OnProgress ...
func (f ReporterFunc) OnProgress(event Event) {
	f(event)
}
