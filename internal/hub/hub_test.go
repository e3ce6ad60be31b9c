package hub

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinicqms/queue-service/internal/models"
	"clinicqms/queue-service/internal/store"
)

func TestPublishRoutesBySubscription(t *testing.T) {
	h := New(zerolog.Nop())
	all := &Client{ID: "all", Send: make(chan []byte, 4)}
	gp := &Client{ID: "gp", Send: make(chan []byte, 4), Subscription: Subscription{ServiceID: "gp"}}
	room := &Client{ID: "room", Send: make(chan []byte, 4), Subscription: Subscription{StationID: "room-1"}}
	for _, c := range []*Client{all, gp, room} {
		h.Register(c)
	}

	h.Publish([]store.Transition{
		{Seq: 1, EntryID: "e1", ServiceID: "gp", Event: store.EventCheckIn, ToStatus: models.StatusWaiting},
		{Seq: 2, EntryID: "e1", ServiceID: "gp", StationID: "room-1", Event: store.EventCall, ToStatus: models.StatusInProgress},
		{Seq: 3, EntryID: "e2", ServiceID: "lab", Event: store.EventCheckIn, ToStatus: models.StatusWaiting},
	})

	assert.Len(t, all.Send, 3)
	assert.Len(t, gp.Send, 2)
	require.Len(t, room.Send, 1)

	var event Event
	require.NoError(t, json.Unmarshal(<-room.Send, &event))
	assert.Equal(t, "queue.transition", event.Type)
	assert.Equal(t, int64(2), event.Transition.Seq)
	assert.Equal(t, store.EventCall, event.Transition.Event)
}

func TestSlowClientDropsInsteadOfBlocking(t *testing.T) {
	h := New(zerolog.Nop())
	slow := &Client{ID: "slow", Send: make(chan []byte, 1)}
	h.Register(slow)

	h.Broadcast([]byte("a"), Subscription{})
	h.Broadcast([]byte("b"), Subscription{})
	h.Broadcast([]byte("c"), Subscription{})

	assert.Equal(t, int64(2), h.Dropped())
	assert.Equal(t, []byte("a"), <-slow.Send)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	h := New(zerolog.Nop())
	c := &Client{ID: "c", Send: make(chan []byte, 1)}
	h.Register(c)
	assert.Equal(t, 1, h.Clients())

	h.Unregister(c)
	h.Unregister(c)
	assert.Equal(t, 0, h.Clients())
	_, open := <-c.Send
	assert.False(t, open)
}

func TestParseSubscribe(t *testing.T) {
	cases := []struct {
		name string
		in   string
		ok   bool
		want SubscribeMessage
	}{
		{"subscribe", `{"action":"subscribe","service_id":"gp"}`, true, SubscribeMessage{Action: "subscribe", ServiceID: "gp"}},
		{"unsubscribe", `{"action":"unsubscribe"}`, true, SubscribeMessage{Action: "unsubscribe"}},
		{"unknown action", `{"action":"ping"}`, false, SubscribeMessage{}},
		{"not json", `hello`, false, SubscribeMessage{}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseSubscribe([]byte(tt.in))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
