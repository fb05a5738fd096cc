package state

// ChangeKind says which kind of record a ChangeEvent refers to.
type ChangeKind int

const (
	ChangeChat ChangeKind = iota
	ChangeSetting
)

// ChangeEvent is emitted after every committed chat or setting write.
type ChangeEvent struct {
	Kind    ChangeKind
	Key     string
	Source  Source
	Deleted bool
}

// Subscribe registers a buffered channel that receives change events.
// Events are dropped rather than blocking the writer when the buffer is
// full. The returned func unsubscribes and closes the channel.
func (s *State) Subscribe(buffer int) (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()

		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
	}
}

// DroppedEvents returns how many events were discarded because a
// subscriber's buffer was full.
func (s *State) DroppedEvents() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	return s.dropped
}

func (s *State) publish(ev ChangeEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			s.dropped++
		}
	}
}
