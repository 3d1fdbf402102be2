package engine

type progressBrand struct{}

var brand = &progressBrand{}

// ProgressEvent is an intermediate notification from a streaming handler.
// Only values built by Progress carry the brand; anything else a handler
// yields is ignored.
type ProgressEvent struct {
	Percent float64
	Message string
	brand   *progressBrand
}

// Progress builds a branded progress event.
func Progress(percent float64, message string) ProgressEvent {
	return ProgressEvent{Percent: percent, Message: message, brand: brand}
}

// IsProgress reports whether v is a branded progress event.
func IsProgress(v any) (ProgressEvent, bool) {
	switch ev := v.(type) {
	case ProgressEvent:
		return ev, ev.brand == brand
	case *ProgressEvent:
		if ev == nil {
			return ProgressEvent{}, false
		}
		return *ev, ev.brand == brand
	}
	return ProgressEvent{}, false
}

// ProgressSink receives progress events synchronously and in order. It must
// not block; panics are recovered and dropped.
type ProgressSink func(ProgressEvent)

func (s ProgressSink) deliver(ev ProgressEvent) {
	if s == nil {
		return
	}
	defer func() { _ = recover() }()
	s(ev)
}
