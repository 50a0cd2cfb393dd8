package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(h *Hub) *Client {
	c := &Client{
		id:   "test",
		hub:  h,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.register(c)
	return c
}

func drain(t *testing.T, c *Client) *Event {
	t.Helper()
	select {
	case payload := <-c.send:
		var ev Event
		require.NoError(t, json.Unmarshal(payload, &ev))
		return &ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

// ===== ROOM MEMBERSHIP =====

func TestRegisterJoinsAllRoom(t *testing.T) {
	h := NewHub()
	c := newTestClient(h)

	assert.Equal(t, 1, h.ClientCount())

	h.EmitLoanCreated("loan-1", "ES", map[string]any{"status": "PENDING"})
	ev := drain(t, c)
	assert.Equal(t, "loan_created", ev.Event)
	assert.Equal(t, "ES", ev.CountryCode)
	assert.Equal(t, "PENDING", ev.Data["status"])
}

func TestCountryRoomScoping(t *testing.T) {
	h := NewHub()
	spain := newTestClient(h)
	mexico := newTestClient(h)

	h.leave(spain, RoomAll)
	h.leave(mexico, RoomAll)
	h.join(spain, CountryRoom("ES"))
	h.join(mexico, CountryRoom("MX"))

	h.EmitStatusChanged("loan-1", "ES", "PENDING", "VALIDATING")

	ev := drain(t, spain)
	assert.Equal(t, "status_changed", ev.Event)
	assert.Equal(t, "VALIDATING", ev.NewStatus)

	select {
	case <-mexico.send:
		t.Fatal("MX subscriber must not receive ES events")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastDeliversOncePerClient(t *testing.T) {
	h := NewHub()
	c := newTestClient(h)
	// In "all" plus both targeted rooms; still one delivery.
	h.join(c, CountryRoom("BR"))
	h.join(c, LoanRoom("loan-9"))

	h.EmitLoanUpdated("loan-9", "BR", map[string]any{"risk_score": 512})

	drain(t, c)
	select {
	case <-c.send:
		t.Fatal("event delivered twice")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(1), h.EventsSent())
}

func TestUnregisterCleansRooms(t *testing.T) {
	h := NewHub()
	c := newTestClient(h)
	h.join(c, CountryRoom("CO"))
	require.Equal(t, 2, h.RoomCount())

	h.unregister(c)
	assert.Equal(t, 0, h.ClientCount())
	assert.Equal(t, 0, h.RoomCount())
}

func TestSlowClientDropsEvents(t *testing.T) {
	h := NewHub()
	c := &Client{id: "slow", hub: h, send: make(chan []byte, 1), done: make(chan struct{})}
	h.register(c)

	h.EmitLoanCreated("loan-1", "ES", nil)
	h.EmitLoanCreated("loan-2", "ES", nil)

	assert.Equal(t, int64(1), h.EventsSent())
	assert.Equal(t, int64(1), h.EventsDropped())
}

// ===== WIRE PROTOCOL =====

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSubscribeProtocol(t *testing.T) {
	h := NewHub()
	server := httptest.NewServer(http.HandlerFunc(h.Handler([]string{"*"})))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	readReply := func() map[string]string {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var reply map[string]string
		require.NoError(t, conn.ReadJSON(&reply))
		return reply
	}

	require.NoError(t, conn.WriteJSON(map[string]string{
		"action": "subscribe_country", "country_code": "es",
	}))
	assert.Equal(t, map[string]string{"subscribed": "country:ES"}, readReply())

	require.NoError(t, conn.WriteJSON(map[string]string{
		"action": "subscribe_country", "country_code": "ESP",
	}))
	assert.Equal(t, map[string]string{"error": "Invalid country code"}, readReply())

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "subscribe_loan"}))
	assert.Equal(t, map[string]string{"error": "loan_id required"}, readReply())

	require.NoError(t, conn.WriteJSON(map[string]string{
		"action": "unsubscribe_country", "country_code": "ES",
	}))
	assert.Equal(t, map[string]string{"unsubscribed": "country:ES"}, readReply())
}

func TestEventDeliveryOverWebSocket(t *testing.T) {
	h := NewHub()
	server := httptest.NewServer(http.HandlerFunc(h.Handler([]string{"*"})))
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	require.NoError(t, err)
	defer conn.Close()

	// Connection lands in "all"; wait for the registration to settle.
	require.Eventually(t, func() bool { return h.ClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)

	h.EmitStatusChanged("loan-3", "MX", "IN_REVIEW", "APPROVED")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "status_changed", ev.Event)
	assert.Equal(t, "loan-3", ev.LoanID)
	assert.Equal(t, "APPROVED", ev.NewStatus)
}

func TestCheckOriginAllowlist(t *testing.T) {
	check := buildCheckOrigin([]string{"https://app.example.com"})

	allowed := httptest.NewRequest(http.MethodGet, "/ws", nil)
	allowed.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(allowed))

	denied := httptest.NewRequest(http.MethodGet, "/ws", nil)
	denied.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(denied))

	assert.True(t, buildCheckOrigin([]string{"*"})(denied))
	assert.True(t, buildCheckOrigin(nil)(denied))
}
