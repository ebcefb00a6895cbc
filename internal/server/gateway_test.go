package server

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"sealed-relay/config"
	"sealed-relay/internal/domain/encryption"
	"sealed-relay/internal/domain/user"
	"sealed-relay/internal/repository/memory"
	"sealed-relay/internal/services"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gatewayFixture struct {
	gw            *Gateway
	auth          *services.AuthService
	dir           *memory.Directory
	registry      *services.KeyRegistry
	conversations *services.ConversationIdentity
	presence      *recordingPresence
}

type recordingPresence struct {
	mu         sync.Mutex
	online     []string
	offline    []string
	heartbeats []string
}

func (p *recordingPresence) SetOnline(_ context.Context, userID string, _ int, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = append(p.online, userID)
	return nil
}

func (p *recordingPresence) SetOffline(_ context.Context, userID string, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = append(p.offline, userID)
	return nil
}

func (p *recordingPresence) Heartbeat(_ context.Context, userID string, clientID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.heartbeats = append(p.heartbeats, userID+"/"+clientID)
	return nil
}

func newGatewayFixture(t *testing.T, cfg GatewayConfig) *gatewayFixture {
	t.Helper()
	deriver, err := services.NewIDDeriver([]string{"gateway-test"})
	require.NoError(t, err)

	dir := memory.NewDirectory()
	registry := services.NewKeyRegistry(memory.NewKeyRepository(), services.DefaultKeyRegistryConfig())
	conversations := services.NewConversationIdentity(deriver, memory.NewConversationRepository(), dir)
	store := services.NewEnvelopeStore(memory.NewMessageRepository(), conversations, dir, registry, services.StatusForwardOnly)
	auth := services.NewAuthService(&config.Config{JWTSecret: "gateway-secret"})
	presence := &recordingPresence{}

	gw := NewGateway(GatewayDeps{
		Verifier:      auth,
		Devices:       registry,
		Conversations: conversations,
		Envelopes:     store,
		Membership:    dir,
		Presence:      presence,
	}, cfg)
	return &gatewayFixture{gw: gw, auth: auth, dir: dir, registry: registry, conversations: conversations, presence: presence}
}

func (f *gatewayFixture) addUser(name string) uuid.UUID {
	id := uuid.New()
	f.dir.AddUser(user.User{ID: id, Username: name})
	return id
}

func (f *gatewayFixture) registerDevice(t *testing.T, userID uuid.UUID, deviceID int) {
	t.Helper()
	_, err := f.registry.RegisterDevice(context.Background(), encryption.DeviceRegistration{
		UserID:      userID,
		DeviceID:    deviceID,
		Kind:        encryption.DeviceKindDesktop,
		IdentityKey: []byte("ik"),
		SignedKey:   encryption.SignedKeyUpload{KeyID: 1, PublicKey: []byte("spk"), Signature: []byte("sig")},
	})
	require.NoError(t, err)
}

// connect authenticates a socket-less client and consumes the authenticated
// frame.
func (f *gatewayFixture) connect(t *testing.T, userID uuid.UUID, deviceID int) *Client {
	t.Helper()
	token, err := f.auth.IssueAccessToken(userID, "", time.Hour)
	require.NoError(t, err)

	c := NewClient(f.gw, nil, deviceID)
	require.True(t, c.handleFrame(context.Background(), frameBytes(t, EventAuthenticate, authenticatePayload{Token: token})))
	fr := nextFrame(t, c)
	require.Equal(t, EventAuthenticated, fr.Type)
	return c
}

func frameBytes(t *testing.T, eventType string, payload interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(Frame{Type: eventType, Payload: raw})
	require.NoError(t, err)
	return data
}

func emit(t *testing.T, c *Client, eventType string, payload interface{}) {
	t.Helper()
	require.True(t, c.handleFrame(context.Background(), frameBytes(t, eventType, payload)))
}

func nextFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case data, ok := <-c.send:
		require.True(t, ok, "send queue closed")
		var fr Frame
		require.NoError(t, json.Unmarshal(data, &fr))
		return fr
	default:
		t.Fatal("no frame queued")
		return Frame{}
	}
}

func assertQuiet(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame %s", data)
	default:
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func decodePayload[T any](t *testing.T, fr Frame) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(fr.Payload, &out))
	return out
}

func TestGateway_RequiresAuthenticationFirst(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})

	c := NewClient(f.gw, nil, 0)
	keep := c.handleFrame(context.Background(), frameBytes(t, EventPing, nil))
	assert.False(t, keep)
	assert.Equal(t, EventAuthError, nextFrame(t, c).Type)

	c = NewClient(f.gw, nil, 0)
	keep = c.handleFrame(context.Background(), frameBytes(t, EventAuthenticate, authenticatePayload{Token: "bogus"}))
	assert.False(t, keep)
	fr := nextFrame(t, c)
	assert.Equal(t, EventAuthError, fr.Type)
	assert.Equal(t, "UNAUTHORIZED", decodePayload[errorPayload](t, fr).Code)
	assert.False(t, c.Authenticated())

	c = NewClient(f.gw, nil, 0)
	assert.False(t, c.handleFrame(context.Background(), []byte("{not json")))
}

func TestGateway_DeviceBinding(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	alice := f.addUser("alice")
	f.registerDevice(t, alice, 3)

	c := f.connect(t, alice, 3)
	assert.Equal(t, 3, c.DeviceID())
	assert.Equal(t, 1, f.gw.Hub().SocketCount(alice))

	unknown := f.connect(t, alice, 9)
	assert.Equal(t, 0, unknown.DeviceID())
	assert.Equal(t, 2, f.gw.Hub().SocketCount(alice))

	token, err := f.auth.IssueAccessToken(alice, "alice", time.Hour)
	require.NoError(t, err)
	inBand := NewClient(f.gw, nil, 0)
	emit(t, inBand, EventAuthenticate, authenticatePayload{Token: token, DeviceID: 3})
	authed := decodePayload[authenticatedPayload](t, nextFrame(t, inBand))
	assert.Equal(t, 3, authed.DeviceID)
	assert.Equal(t, alice, authed.UserID)

	emit(t, inBand, EventAuthenticate, authenticatePayload{Token: token})
	assert.Equal(t, EventError, nextFrame(t, inBand).Type)
}

func TestGateway_ChannelJoinAndSend(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	alice, bob, carol := f.addUser("alice"), f.addUser("bob"), f.addUser("carol")
	channel := uuid.New()
	f.dir.AddChannel(channel, alice, bob)

	a, b, c := f.connect(t, alice, 0), f.connect(t, bob, 0), f.connect(t, carol, 0)

	emit(t, c, EventChannelJoin, channelPayload{ChannelID: channel})
	fr := nextFrame(t, c)
	assert.Equal(t, EventError, fr.Type)
	assert.Equal(t, "FORBIDDEN", decodePayload[errorPayload](t, fr).Code)

	emit(t, a, EventChannelJoin, channelPayload{ChannelID: channel})
	joined := decodePayload[joinedPayload](t, nextFrame(t, a))
	assert.Empty(t, joined.OnlineUserIDs)

	emit(t, b, EventChannelJoin, channelPayload{ChannelID: channel})
	presence := nextFrame(t, a)
	assert.Equal(t, EventPresenceUpdate, presence.Type)
	assert.Equal(t, bob, decodePayload[presencePayload](t, presence).UserID)
	joined = decodePayload[joinedPayload](t, nextFrame(t, b))
	assert.Equal(t, []uuid.UUID{alice}, joined.OnlineUserIDs)

	send := sendPayload{ChannelID: channel, Ciphertext: []byte("sealed"), Nonce: "n-1"}
	emit(t, a, EventMessageSend, send)

	ack := decodePayload[ackPayload](t, nextFrame(t, a))
	assert.Equal(t, "n-1", ack.Nonce)
	assert.False(t, ack.Duplicate)
	assertQuiet(t, a)

	recv := nextFrame(t, b)
	require.Equal(t, EventMessageRecv, recv.Type)
	got := decodePayload[receivedPayload](t, recv)
	assert.Equal(t, ack.MessageID, got.MessageID)
	assert.Equal(t, []byte("sealed"), got.Ciphertext)
	require.NotNil(t, got.ChannelID)
	assert.Equal(t, channel, *got.ChannelID)
	assertQuiet(t, c)

	emit(t, a, EventMessageSend, send)
	dup := decodePayload[ackPayload](t, nextFrame(t, a))
	assert.True(t, dup.Duplicate)
	assert.Equal(t, ack.MessageID, dup.MessageID)
	assertQuiet(t, b)

	emit(t, c, EventMessageSend, sendPayload{ChannelID: channel, Ciphertext: []byte("x"), Nonce: "c-1"})
	fr = nextFrame(t, c)
	assert.Equal(t, EventMessageError, fr.Type)
	failure := decodePayload[errorPayload](t, fr)
	assert.Equal(t, "c-1", failure.Nonce)
	assert.Equal(t, "FORBIDDEN", failure.Code)
}

func TestGateway_DirectMessageReachesRecipientOutsideRoom(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	alice, bob := f.addUser("alice"), f.addUser("bob")
	a, b := f.connect(t, alice, 0), f.connect(t, bob, 0)

	emit(t, a, EventMessageSend, sendPayload{RecipientID: bob, Ciphertext: []byte("hi"), Nonce: "dm-1"})
	ack := decodePayload[ackPayload](t, nextFrame(t, a))
	assert.NotEmpty(t, ack.ConversationID)

	got := decodePayload[receivedPayload](t, nextFrame(t, b))
	assert.Equal(t, ack.ConversationID, got.ConversationID)
	assert.Equal(t, alice, got.SenderID)

	emit(t, b, EventStatusUpdate, statusPayload{MessageID: ack.MessageID, Status: "read"})
	status := decodePayload[statusPayload](t, nextFrame(t, a))
	assert.Equal(t, ack.MessageID, status.MessageID)
	require.NotNil(t, status.UserID)
	assert.Equal(t, bob, *status.UserID)

	emit(t, b, EventStatusUpdate, statusPayload{MessageID: ack.MessageID, Status: "delivered"})
	fr := nextFrame(t, b)
	assert.Equal(t, EventError, fr.Type)
	assert.Equal(t, "INVALID_TRANSITION", decodePayload[errorPayload](t, fr).Code)
}

func TestGateway_PerDeviceEnvelopes(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	alice, bob := f.addUser("alice"), f.addUser("bob")
	f.registerDevice(t, bob, 1)
	f.registerDevice(t, bob, 2)

	a := f.connect(t, alice, 0)
	phone, laptop := f.connect(t, bob, 1), f.connect(t, bob, 2)

	emit(t, a, EventMessageSend, sendPayload{
		RecipientID:     bob,
		Nonce:           "v2",
		ProtocolVersion: 2,
		Envelopes: []envelopePayload{
			{DeviceID: 1, Ciphertext: []byte("for-phone")},
			{DeviceID: 2, Ciphertext: []byte("for-laptop")},
		},
	})
	ack := nextFrame(t, a)
	require.Equal(t, EventMessageAck, ack.Type)

	p := decodePayload[receivedPayload](t, nextFrame(t, phone))
	assert.Equal(t, []byte("for-phone"), p.Ciphertext)
	assert.NotNil(t, p.EnvelopeID)
	assert.Equal(t, 2, p.ProtocolVersion)
	assertQuiet(t, phone)

	l := decodePayload[receivedPayload](t, nextFrame(t, laptop))
	assert.Equal(t, []byte("for-laptop"), l.Ciphertext)
	assert.NotEqual(t, *p.EnvelopeID, *l.EnvelopeID)

	emit(t, a, EventMessageSend, sendPayload{
		RecipientID: bob,
		Nonce:       "v2-bad",
		Envelopes:   []envelopePayload{{DeviceID: 7, Ciphertext: []byte("nobody")}},
	})
	fr := nextFrame(t, a)
	assert.Equal(t, EventMessageError, fr.Type)
	assert.Equal(t, "INVALID_REQUEST", decodePayload[errorPayload](t, fr).Code)
}

func TestGateway_OfflinePresenceOnLastSocket(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	alice, bob := f.addUser("alice"), f.addUser("bob")
	channel := uuid.New()
	f.dir.AddChannel(channel, alice, bob)

	a := f.connect(t, alice, 0)
	b1, b2 := f.connect(t, bob, 0), f.connect(t, bob, 0)
	for _, c := range []*Client{a, b1, b2} {
		emit(t, c, EventChannelJoin, channelPayload{ChannelID: channel})
	}
	drain(a)

	f.gw.disconnect(b1)
	assertQuiet(t, a)
	assert.True(t, f.gw.Hub().IsOnline(bob))

	f.gw.disconnect(b2)
	fr := nextFrame(t, a)
	require.Equal(t, EventPresenceUpdate, fr.Type)
	p := decodePayload[presencePayload](t, fr)
	assert.Equal(t, bob, p.UserID)
	assert.False(t, p.IsOnline)
	assert.False(t, f.gw.Hub().IsOnline(bob))
	assert.Equal(t, []uuid.UUID{alice}, f.gw.Hub().RoomUsers(channelRoom(channel)))
}

func TestGateway_PresenceReachesDirectPartnersOutsideRooms(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	alice, bob, carol := f.addUser("alice"), f.addUser("bob"), f.addUser("carol")
	_, _, err := f.conversations.StartConversation(context.Background(), alice, bob)
	require.NoError(t, err)
	_, _, err = f.conversations.StartConversation(context.Background(), alice, alice)
	require.NoError(t, err)

	b, c := f.connect(t, bob, 0), f.connect(t, carol, 0)
	a1 := f.connect(t, alice, 0)

	fr := nextFrame(t, b)
	require.Equal(t, EventPresenceUpdate, fr.Type)
	p := decodePayload[presencePayload](t, fr)
	assert.Equal(t, alice, p.UserID)
	assert.True(t, p.IsOnline)
	assertQuiet(t, c)
	assertQuiet(t, a1)

	a2 := f.connect(t, alice, 0)
	assertQuiet(t, b)

	f.gw.disconnect(a1)
	assertQuiet(t, b)

	f.gw.disconnect(a2)
	fr = nextFrame(t, b)
	require.Equal(t, EventPresenceUpdate, fr.Type)
	p = decodePayload[presencePayload](t, fr)
	assert.Equal(t, alice, p.UserID)
	assert.False(t, p.IsOnline)
	assertQuiet(t, b)
	assertQuiet(t, c)

	assert.Equal(t, []string{bob.String(), carol.String(), alice.String()}, f.presence.online)
	assert.Equal(t, []string{alice.String()}, f.presence.offline)
}

func TestGateway_PongRefreshesPresence(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	alice := f.addUser("alice")

	pending := NewClient(f.gw, nil, 0)
	pending.onPong()
	assert.Empty(t, f.presence.heartbeats)

	c := f.connect(t, alice, 0)
	c.onPong()
	assert.Equal(t, []string{alice.String() + "/" + c.ID()}, f.presence.heartbeats)
}

func TestGateway_TypingRequiresRoom(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{})
	alice, bob := f.addUser("alice"), f.addUser("bob")
	a, b := f.connect(t, alice, 0), f.connect(t, bob, 0)

	emit(t, a, EventDMJoin, dmJoinPayload{UserID: bob})
	joined := decodePayload[joinedPayload](t, nextFrame(t, a))
	require.NotEmpty(t, joined.ConversationID)

	emit(t, b, EventTypingStart, typingPayload{ConversationID: joined.ConversationID})
	fr := nextFrame(t, b)
	assert.Equal(t, EventError, fr.Type)
	assert.Equal(t, "FORBIDDEN", decodePayload[errorPayload](t, fr).Code)

	emit(t, b, EventDMJoin, dmJoinPayload{ConversationID: joined.ConversationID})
	drain(a)
	drain(b)

	emit(t, b, EventTypingStart, typingPayload{ConversationID: joined.ConversationID})
	typing := decodePayload[typingPayload](t, nextFrame(t, a))
	require.NotNil(t, typing.UserID)
	assert.Equal(t, bob, *typing.UserID)
	assertQuiet(t, b)
}

func TestGateway_RateLimitedEvents(t *testing.T) {
	f := newGatewayFixture(t, GatewayConfig{Limits: RateLimits{MaxPingMessages: 1, MaxMessages: 1}})
	alice := f.addUser("alice")
	channel := uuid.New()
	f.dir.AddChannel(channel, alice)
	a := f.connect(t, alice, 0)

	emit(t, a, EventPing, nil)
	assert.Equal(t, EventPong, nextFrame(t, a).Type)
	emit(t, a, EventPing, nil)
	fr := nextFrame(t, a)
	assert.Equal(t, EventError, fr.Type)
	assert.Equal(t, "RATE_LIMITED", decodePayload[errorPayload](t, fr).Code)

	emit(t, a, EventMessageSend, sendPayload{ChannelID: channel, Ciphertext: []byte("x"), Nonce: "1"})
	assert.Equal(t, EventMessageAck, nextFrame(t, a).Type)
	emit(t, a, EventMessageSend, sendPayload{ChannelID: channel, Ciphertext: []byte("x"), Nonce: "2"})
	fr = nextFrame(t, a)
	assert.Equal(t, EventMessageError, fr.Type)
	assert.Equal(t, "2", decodePayload[errorPayload](t, fr).Nonce)
}
