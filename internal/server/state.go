package server

import (
	"sort"
	"sync"

	"github.com/arena-project/arena/internal/events"
	"github.com/arena-project/arena/internal/network"
)

// connStates tracks the lifecycle of every connection:
// unverified -> live (awaiting spawn) -> disconnecting -> removed.
// It is guarded by its own lock, separate from the accept path.
type connStates struct {
	mu sync.Mutex

	unverified    map[network.ConnID]struct{}
	live          map[network.ConnID]struct{}
	disconnecting map[network.ConnID]struct{}

	// FIFOs for the tick loop, one entry popped per tick.
	awaitingSpawn   []network.ConnID
	disconnectOrder []network.ConnID
}

func newConnStates() *connStates {
	return &connStates{
		unverified:    make(map[network.ConnID]struct{}),
		live:          make(map[network.ConnID]struct{}),
		disconnecting: make(map[network.ConnID]struct{}),
	}
}

// AddUnverified registers a freshly accepted connection.
func (s *connStates) AddUnverified(id network.ConnID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unverified[id] = struct{}{}
}

// Promote moves an unverified connection to live and queues its spawn. It
// reports false when id was not unverified.
func (s *connStates) Promote(id network.ConnID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unverified[id]; !ok {
		return false
	}
	delete(s.unverified, id)
	s.live[id] = struct{}{}
	s.awaitingSpawn = append(s.awaitingSpawn, id)
	return true
}

// MarkDisconnecting schedules id for teardown. It reports false when id is
// unknown or already scheduled.
func (s *connStates) MarkDisconnecting(id network.ConnID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markDisconnectingLocked(id)
}

func (s *connStates) markDisconnectingLocked(id network.ConnID) bool {
	if _, ok := s.disconnecting[id]; ok {
		return false
	}
	_, wasUnverified := s.unverified[id]
	_, wasLive := s.live[id]
	if !wasUnverified && !wasLive {
		return false
	}
	delete(s.unverified, id)
	delete(s.live, id)
	s.awaitingSpawn = removeID(s.awaitingSpawn, id)
	s.disconnecting[id] = struct{}{}
	s.disconnectOrder = append(s.disconnectOrder, id)
	return true
}

// PopAwaitingSpawn returns the oldest live connection waiting to spawn.
func (s *connStates) PopAwaitingSpawn() (network.ConnID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.awaitingSpawn) == 0 {
		return 0, false
	}
	id := s.awaitingSpawn[0]
	s.awaitingSpawn = s.awaitingSpawn[1:]
	return id, true
}

// PopDisconnecting returns the oldest connection scheduled for teardown and
// forgets it.
func (s *connStates) PopDisconnecting() (network.ConnID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.disconnectOrder) == 0 {
		return 0, false
	}
	id := s.disconnectOrder[0]
	s.disconnectOrder = s.disconnectOrder[1:]
	delete(s.disconnecting, id)
	return id, true
}

// State returns the lifecycle state of id.
func (s *connStates) State(id network.ConnID) events.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case has(s.disconnecting, id):
		return events.StateDisconnecting
	case has(s.live, id):
		return events.StateLive
	case has(s.unverified, id):
		return events.StateUnverified
	default:
		return events.StateUnknown
	}
}

// IsLive reports whether id completed the handshake and is not leaving.
func (s *connStates) IsLive(id network.ConnID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return has(s.live, id)
}

// IsAwaitingSpawn reports whether id is live but not spawned yet.
func (s *connStates) IsAwaitingSpawn(id network.ConnID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, queued := range s.awaitingSpawn {
		if queued == id {
			return true
		}
	}
	return false
}

// LiveIDs returns the live connections in ascending order.
func (s *connStates) LiveIDs() []network.ConnID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]network.ConnID, 0, len(s.live))
	for id := range s.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Counts returns the size of each set.
func (s *connStates) Counts() (unverified, live, disconnecting int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unverified), len(s.live), len(s.disconnecting)
}

// DrainAll schedules every known connection for teardown, used on stop.
func (s *connStates) DrainAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]network.ConnID, 0, len(s.unverified)+len(s.live))
	for id := range s.unverified {
		ids = append(ids, id)
	}
	for id := range s.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		s.markDisconnectingLocked(id)
	}
}

func has(set map[network.ConnID]struct{}, id network.ConnID) bool {
	_, ok := set[id]
	return ok
}

func removeID(ids []network.ConnID, id network.ConnID) []network.ConnID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
