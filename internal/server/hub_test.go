package server

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func newHubClient(gw *Gateway, userID uuid.UUID, deviceID int) *Client {
	c := NewClient(gw, nil, 0)
	c.setIdentity(userID, "", deviceID)
	return c
}

func TestHub_DeliverTargets(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	hub := NewHub()
	alice, bob := uuid.New(), uuid.New()

	a := newHubClient(f.gw, alice, 0)
	bPhone := newHubClient(f.gw, bob, 1)
	bLaptop := newHubClient(f.gw, bob, 2)

	assert.True(t, hub.Register(a))
	assert.True(t, hub.Register(bPhone))
	assert.False(t, hub.Register(bLaptop))

	assert.True(t, hub.Join(a, "room"))
	assert.True(t, hub.Join(bPhone, "room"))
	assert.False(t, hub.Join(bLaptop, "room"))
	assert.False(t, hub.Join(bLaptop, "room"))

	assert.Equal(t, 3, hub.Deliver(Targets{Room: "room"}, []byte("r")))
	assert.Equal(t, 2, hub.Deliver(Targets{Room: "room", UserID: bob, Except: a}, []byte("u")))
	assert.Equal(t, 1, hub.Deliver(Targets{UserID: bob, DeviceID: 2}, []byte("d")))
	assert.Equal(t, 0, hub.Deliver(Targets{UserID: uuid.New()}, []byte("x")))

	assert.Len(t, a.send, 1)
	assert.Len(t, bPhone.send, 2)
	assert.Len(t, bLaptop.send, 3)

	assert.Len(t, hub.RoomAudience("room", bob), 1)
	assert.True(t, hub.Leave(a, "room"))
	assert.False(t, hub.Leave(a, "room"))
	assert.Equal(t, []uuid.UUID{bob}, hub.RoomUsers("room"))
}

func TestHub_FullQueueDropsFrame(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	hub := NewHub()
	slow, fast := newHubClient(f.gw, uuid.New(), 0), newHubClient(f.gw, uuid.New(), 0)
	hub.Register(slow)
	hub.Register(fast)
	hub.Join(slow, "room")
	hub.Join(fast, "room")

	for i := 0; i < sendQueueSize; i++ {
		assert.True(t, slow.Send([]byte("fill")))
	}

	assert.Equal(t, 1, hub.Deliver(Targets{Room: "room"}, []byte("next")))
	assert.Len(t, slow.send, sendQueueSize)
	assert.Len(t, fast.send, 1)
}

func TestHub_UnregisterAndStop(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	hub := NewHub()
	alice, bob := uuid.New(), uuid.New()
	a, b := newHubClient(f.gw, alice, 0), newHubClient(f.gw, bob, 0)
	hub.Register(a)
	hub.Register(b)
	hub.Join(a, "room")
	hub.Join(b, "room")

	last, audience := hub.Unregister(a)
	assert.True(t, last)
	assert.Equal(t, []*Client{b}, audience)
	assert.False(t, a.Send([]byte("late")))

	last, _ = hub.Unregister(a)
	assert.False(t, last)

	hub.Stop()
	assert.False(t, hub.IsOnline(bob))
	assert.False(t, b.Send([]byte("after stop")))
	assert.Empty(t, hub.RoomUsers("room"))
}
