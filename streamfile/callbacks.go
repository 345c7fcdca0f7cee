package streamfile

import (
	"time"
)

// Callbacks provides hooks for transfer events.
// All callbacks are optional - nil callbacks use default behavior.
// They are invoked synchronously from inside Work or Write and must not call
// back into the session that invoked them.
type Callbacks struct {
	// OnCycle is called by the sender each time a header is emitted.
	// cycle counts from 1.
	OnCycle func(h Header, cycle int)

	// OnHeader is called by the receiver when a header validates.
	// dropped is the number of buffered bytes discarded before it.
	OnHeader func(h Header, dropped int)

	// OnFileStart is called once the receiver has opened its .part file.
	OnFileStart func(name, partPath string, size int64)

	// OnProgress is called periodically while payload is written.
	// rate is in bytes per second.
	OnProgress func(name string, written, total int64, rate float64)

	// OnFileComplete is called after the .part file is renamed into place.
	OnFileComplete func(path string, size int64, duration time.Duration)

	// OnError is called for failures that are handled locally, such as a
	// source file that cannot be opened. context describes where.
	OnError func(err error, context string)
}

func defaultCallbacks() *Callbacks {
	return &Callbacks{
		OnCycle:        func(Header, int) {},
		OnHeader:       func(Header, int) {},
		OnFileStart:    func(string, string, int64) {},
		OnProgress:     func(string, int64, int64, float64) {},
		OnFileComplete: func(string, int64, time.Duration) {},
		OnError:        func(error, string) {},
	}
}

// mergeCallbacks merges user callbacks with defaults.
func mergeCallbacks(user *Callbacks) *Callbacks {
	result := defaultCallbacks()
	if user == nil {
		return result
	}
	if user.OnCycle != nil {
		result.OnCycle = user.OnCycle
	}
	if user.OnHeader != nil {
		result.OnHeader = user.OnHeader
	}
	if user.OnFileStart != nil {
		result.OnFileStart = user.OnFileStart
	}
	if user.OnProgress != nil {
		result.OnProgress = user.OnProgress
	}
	if user.OnFileComplete != nil {
		result.OnFileComplete = user.OnFileComplete
	}
	if user.OnError != nil {
		result.OnError = user.OnError
	}
	return result
}
