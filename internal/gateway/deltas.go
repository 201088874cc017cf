package gateway

import (
	"sync"

	"github.com/google/uuid"

	"github.com/covenlabs/conclave/internal/events"
)

// DeltaLog retains a bounded window of recent events per session so a
// briefly disconnected client can catch up without a full resync. Eviction
// happens on whole version groups, never mid-version, so a served delta
// range is always complete.
type DeltaLog struct {
	mu       sync.RWMutex
	retain   int
	sessions map[uuid.UUID]*sessionDeltas
}

type sessionDeltas struct {
	entries []events.SessionEvent
}

// NewDeltaLog retains up to retain events per session.
func NewDeltaLog(retain int) *DeltaLog {
	if retain <= 0 {
		retain = 256
	}
	return &DeltaLog{
		retain:   retain,
		sessions: make(map[uuid.UUID]*sessionDeltas),
	}
}

// Append records one delivered event.
func (d *DeltaLog) Append(ev events.SessionEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sd := d.sessions[ev.SessionID]
	if sd == nil {
		sd = &sessionDeltas{}
		d.sessions[ev.SessionID] = sd
	}
	sd.entries = append(sd.entries, ev)

	for len(sd.entries) > d.retain {
		// Drop the oldest version group whole.
		oldest := sd.entries[0].Version
		i := 0
		for i < len(sd.entries) && sd.entries[i].Version == oldest {
			i++
		}
		sd.entries = sd.entries[i:]
	}
}

// Since returns every retained event with a version greater than since.
// ok is false when the window cannot prove it reaches back to since, in
// which case the client must do a full resync instead. An empty window
// proves nothing: this process may have started after the client's last
// event, so gaps before the first retained entry are indistinguishable
// from none.
func (d *DeltaLog) Since(sessionID uuid.UUID, since int64) (out []events.SessionEvent, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sd := d.sessions[sessionID]
	if sd == nil || len(sd.entries) == 0 {
		return nil, false
	}
	if since < sd.entries[0].Version-1 {
		return nil, false
	}
	for _, ev := range sd.entries {
		if ev.Version > since {
			out = append(out, ev)
		}
	}
	return out, true
}

// Drop forgets a session's window; called when its session ends.
func (d *DeltaLog) Drop(sessionID uuid.UUID) {
	d.mu.Lock()
	delete(d.sessions, sessionID)
	d.mu.Unlock()
}
