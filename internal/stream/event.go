package stream

import "context"

type Kind string

const (
	KindProgress Kind = "progress"
	KindToken    Kind = "token"
	KindAnswer   Kind = "answer"
	KindError    Kind = "error"
)

// Event is one unit of output on an answer stream. A stream ends with an
// answer or an error event; an answer that could not be saved is followed by
// one error event.
type Event struct {
	Kind Kind
	Text string
	Err  error
}

func Progress(text string) Event { return Event{Kind: KindProgress, Text: text} }
func Token(text string) Event    { return Event{Kind: KindToken, Text: text} }
func Answer(text string) Event   { return Event{Kind: KindAnswer, Text: text} }

func Failure(message string, err error) Event {
	return Event{Kind: KindError, Text: message, Err: err}
}

type Emitter struct {
	ctx context.Context
	ch  chan<- Event
}

// Send blocks until the consumer takes ev or ctx is cancelled.
func (e Emitter) Send(ev Event) error {
	select {
	case e.ch <- ev:
		return nil
	case <-e.ctx.Done():
		return e.ctx.Err()
	}
}

// Run starts produce on its own goroutine and returns the unbuffered channel it
// writes to. The channel is closed when produce returns.
func Run(ctx context.Context, produce func(Emitter)) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		produce(Emitter{ctx: ctx, ch: ch})
	}()
	return ch
}
