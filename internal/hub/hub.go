// Package hub implements room-based WebSocket fan-out for loan events.
// Every connection joins the "all" room; clients subscribe to per-country
// ("country:ES") and per-loan ("loan:<uuid>") rooms on top. Events reach
// the union of the target rooms exactly once per client.
package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Room names.
const (
	RoomAll = "all"

	roomCountryPrefix = "country:"
	roomLoanPrefix    = "loan:"
)

// CountryRoom returns the room name for a country code.
func CountryRoom(countryCode string) string { return roomCountryPrefix + countryCode }

// LoanRoom returns the room name for a loan id.
func LoanRoom(loanID string) string { return roomLoanPrefix + loanID }

// Event is the wire format pushed to subscribers.
type Event struct {
	Event       string         `json:"event"`
	LoanID      string         `json:"loan_id"`
	CountryCode string         `json:"country_code"`
	OldStatus   string         `json:"old_status,omitempty"`
	NewStatus   string         `json:"new_status,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Changes     map[string]any `json:"changes,omitempty"`
}

// Hub tracks connected clients and their room memberships.
type Hub struct {
	mu sync.RWMutex

	// room -> clients in it
	rooms map[string]map[*Client]bool
	// client -> rooms it joined
	members map[*Client]map[string]bool

	eventsSent    atomic.Int64
	eventsDropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		rooms:   map[string]map[*Client]bool{},
		members: map[*Client]map[string]bool{},
	}
}

// register adds the client and joins it to the "all" room.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.members[c] = map[string]bool{}
	h.mu.Unlock()
	h.join(c, RoomAll)
	slog.Info("websocket client connected", "client", c.id)
}

// unregister removes the client from every room.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.members[c] {
		delete(h.rooms[room], c)
		if len(h.rooms[room]) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(h.members, c)
	slog.Info("websocket client disconnected", "client", c.id)
}

func (h *Hub) join(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.members[c]; !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = map[*Client]bool{}
	}
	h.rooms[room][c] = true
	h.members[c][room] = true
}

func (h *Hub) leave(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.rooms[room], c)
	if len(h.rooms[room]) == 0 {
		delete(h.rooms, room)
	}
	delete(h.members[c], room)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members)
}

// RoomCount returns the number of occupied rooms.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// EventsSent reports delivered event count since start.
func (h *Hub) EventsSent() int64 { return h.eventsSent.Load() }

// EventsDropped reports events dropped on full client buffers.
func (h *Hub) EventsDropped() int64 { return h.eventsDropped.Load() }

// EmitLoanCreated notifies the "all" and country rooms.
func (h *Hub) EmitLoanCreated(loanID, countryCode string, data map[string]any) {
	h.broadcast(&Event{
		Event:       "loan_created",
		LoanID:      loanID,
		CountryCode: countryCode,
		Data:        data,
	}, RoomAll, CountryRoom(countryCode))
}

// EmitLoanUpdated notifies the "all", country and loan rooms.
func (h *Hub) EmitLoanUpdated(loanID, countryCode string, changes map[string]any) {
	h.broadcast(&Event{
		Event:       "loan_updated",
		LoanID:      loanID,
		CountryCode: countryCode,
		Changes:     changes,
	}, RoomAll, CountryRoom(countryCode), LoanRoom(loanID))
}

// EmitStatusChanged notifies the "all", country and loan rooms.
func (h *Hub) EmitStatusChanged(loanID, countryCode, oldStatus, newStatus string) {
	h.broadcast(&Event{
		Event:       "status_changed",
		LoanID:      loanID,
		CountryCode: countryCode,
		OldStatus:   oldStatus,
		NewStatus:   newStatus,
	}, RoomAll, CountryRoom(countryCode), LoanRoom(loanID))
	slog.Info("emitted status_changed", "loan", loanID, "from", oldStatus, "to", newStatus)
}

// broadcast delivers the event once per client across the union of rooms.
// Slow clients lose events rather than blocking the fan-out.
func (h *Hub) broadcast(ev *Event, rooms ...string) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("marshal hub event", "error", err)
		return
	}

	h.mu.RLock()
	targets := map[*Client]bool{}
	for _, room := range rooms {
		for c := range h.rooms[room] {
			targets[c] = true
		}
	}
	h.mu.RUnlock()

	for c := range targets {
		select {
		case c.send <- payload:
			h.eventsSent.Add(1)
		default:
			h.eventsDropped.Add(1)
			slog.Warn("send buffer full, dropping event", "client", c.id, "event", ev.Event)
		}
	}
}
