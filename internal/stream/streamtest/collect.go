package streamtest

import "github.com/course-assistant/backend/internal/stream"

// Collect drains ch and returns every event in arrival order.
func Collect(ch <-chan stream.Event) []stream.Event {
	var events []stream.Event
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}
