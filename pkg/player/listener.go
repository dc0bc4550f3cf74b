package player

import "github.com/realtime-ai/nodeplayer/pkg/looper"

// Listener receives controller notifications on the looper goroutine.
// Implementations must not call the blocking controller methods; use
// Controller.Post or SeekTo instead.
type Listener interface {
	Notify(kind looper.EventKind, arg1, arg2 int32, data any)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(kind looper.EventKind, arg1, arg2 int32, data any)

func (f ListenerFunc) Notify(kind looper.EventKind, arg1, arg2 int32, data any) {
	f(kind, arg1, arg2, data)
}
