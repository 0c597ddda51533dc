package cache

import "github.com/steveyegge/crewsync/internal/types"

// ChangeKind says what happened to a row.
type ChangeKind string

const (
	ChangePut    ChangeKind = "put"
	ChangeDelete ChangeKind = "delete"
)

// Change is a committed row change.
type Change struct {
	Type     types.EntityType
	ID       string
	Kind     ChangeKind
	Origin   Origin
	Revision int64
}

// Watch subscribes to committed changes. Delivery is best effort: a
// subscriber whose buffer is full misses changes rather than blocking
// writers. The returned func unsubscribes and closes the channel.
func (s *Store) Watch(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)

	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	return ch, func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		if c, ok := s.watchers[id]; ok {
			delete(s.watchers, id)
			close(c)
		}
	}
}

func (s *Store) notify(changes ...Change) {
	if len(changes) == 0 {
		return
	}
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, c := range changes {
		for _, ch := range s.watchers {
			select {
			case ch <- c:
			default:
				s.log.Debug().Str("type", string(c.Type)).Str("id", c.ID).Msg("watcher buffer full, change dropped")
			}
		}
	}
}
