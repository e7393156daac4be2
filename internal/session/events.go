package session

// EventKind tells observers what changed.
type EventKind string

const (
	// EventDelta is sent after each applied delta.
	EventDelta EventKind = "delta"
	// EventStatus is sent on every status transition.
	EventStatus EventKind = "status"
)

// Event is delivered to subscribers. Snapshot is the state after the change.
type Event struct {
	Kind     EventKind
	Status   Status
	Snapshot Snapshot
	Err      error
}

const subscriberBuffer = 64

// Subscribe returns a channel of session events and a function that ends
// the subscription and closes the channel. Observers that fall behind lose
// intermediate delta events; status events are always delivered, evicting
// the oldest buffered event if needed.
func (s *Session) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	var once bool
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if once {
			return
		}
		once = true
		delete(s.subs, id)
		close(ch)
	}
}

// publishLocked fans ev out to subscribers. s.mu must be held.
func (s *Session) publishLocked(ev Event) {
	for _, ch := range s.subs {
		if ev.Kind == EventDelta {
			select {
			case ch <- ev:
			default:
			}
			continue
		}
		for {
			select {
			case ch <- ev:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
