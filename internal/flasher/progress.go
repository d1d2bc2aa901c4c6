package flasher

// Sink receives progress reports. done counts bytes processed so far.
type Sink interface {
	Progress(done, total int64)
}

// ProgressFunc adapts a function to a Sink.
type ProgressFunc func(done, total int64)

func (f ProgressFunc) Progress(done, total int64) {
	f(done, total)
}

type nopSink struct{}

func (nopSink) Progress(int64, int64) {}

func sinkOrNop(s Sink) Sink {
	if s == nil {
		return nopSink{}
	}
	return s
}
