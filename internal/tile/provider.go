package tile

import "context"

// Provider fetches tiles from a source.
//
// Fetch may block and is always called from its own goroutine; implementations
// must honour ctx cancellation. LODRange and TileSize are static metadata.
type Provider interface {
	Fetch(ctx context.Context, key Key) (*Data, error)
	LODRange() LODRange
	TileSize() int
}

// Sink receives the outcome of one tile request. Exactly one of its methods is
// called, exactly once. Calls may arrive on any goroutine.
type Sink interface {
	OnSuccess(data *Data)
	OnFailure(err error)
}

// SinkFuncs adapts a pair of functions to a Sink. Nil functions are skipped.
type SinkFuncs struct {
	Success func(data *Data)
	Failure func(err error)
}

func (s SinkFuncs) OnSuccess(data *Data) {
	if s.Success != nil {
		s.Success(data)
	}
}

func (s SinkFuncs) OnFailure(err error) {
	if s.Failure != nil {
		s.Failure(err)
	}
}

// Result is the outcome of a request delivered over a channel.
type Result struct {
	Data *Data
	Err  error
}

// ChanSink delivers the outcome into a buffered channel of capacity one, so the
// notifier never blocks.
type ChanSink chan Result

func NewChanSink() ChanSink {
	return make(ChanSink, 1)
}

func (s ChanSink) OnSuccess(data *Data) {
	s <- Result{Data: data}
}

func (s ChanSink) OnFailure(err error) {
	s <- Result{Err: err}
}
