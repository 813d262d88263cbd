package illustrator

import "context"

// PageEvent reports one finished, stored illustration.
type PageEvent struct {
	StoryID    string
	PageNumber int // 0 for the cover
	Cover      bool
	URL        string
	Width      int
	Height     int
}

// Observer is notified as soon as each page is stored. PageReady for page
// i returns before page i+1 is requested; an error aborts the book.
type Observer interface {
	PageReady(ctx context.Context, ev PageEvent) error
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev PageEvent) error

func (f ObserverFunc) PageReady(ctx context.Context, ev PageEvent) error {
	return f(ctx, ev)
}

// ChannelObserver forwards events to C. Sends block until received or the
// context ends.
type ChannelObserver struct {
	C chan PageEvent
}

func NewChannelObserver(buffer int) *ChannelObserver {
	return &ChannelObserver{C: make(chan PageEvent, buffer)}
}

func (o *ChannelObserver) PageReady(ctx context.Context, ev PageEvent) error {
	select {
	case o.C <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes C; call it once generation has returned.
func (o *ChannelObserver) Close() {
	close(o.C)
}

type nopObserver struct{}

func (nopObserver) PageReady(context.Context, PageEvent) error { return nil }
