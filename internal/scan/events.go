package scan

// EventType identifies session events.
type EventType int

const (
	EventImageLoaded       EventType = iota // *image.Sheet
	EventAnchorsDetected                    // anchor.Result
	EventLayoutLoaded                       // *layout.Document
	EventBubblesPositioned                  // mapper.Result
	EventAnalysisComplete                   // *Analysis
	EventTaskFailed                         // error
)

// EventListener is called when an event occurs. Listeners for task events
// run on the task goroutine.
type EventListener func(data interface{})

// On registers an event listener for the specified event type.
func (s *Session) On(event EventType, listener EventListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[event] = append(s.listeners[event], listener)
}

func (s *Session) emit(event EventType, data interface{}) {
	s.mu.RLock()
	listeners := s.listeners[event]
	s.mu.RUnlock()

	for _, listener := range listeners {
		listener(data)
	}
}
