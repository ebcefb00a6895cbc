package services

import (
	"context"
	"sync"
	"testing"

	"sealed-relay/internal/domain/message"
	"sealed-relay/internal/repository/memory"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) sendChannel(t *testing.T, sender, channel uuid.UUID, nonce string) message.Message {
	t.Helper()
	m, dup, err := f.store.Create(context.Background(), CreateMessage{
		SenderID:       sender,
		SenderDeviceID: 1,
		Target:         message.ChannelTarget(channel),
		Ciphertext:     []byte("ct-" + nonce),
		Nonce:          nonce,
	})
	require.NoError(t, err)
	require.False(t, dup)
	return m
}

func (f *fixture) dm(t *testing.T, a, b uuid.UUID) string {
	t.Helper()
	c, _, err := f.conversations.StartConversation(context.Background(), a, b)
	require.NoError(t, err)
	return c.ID
}

func (f *fixture) sendDM(t *testing.T, sender, recipient uuid.UUID, nonce string) message.Message {
	t.Helper()
	m, _, err := f.store.Create(context.Background(), CreateMessage{
		SenderID:   sender,
		Target:     message.ConversationTarget(f.dm(t, sender, recipient)),
		Ciphertext: []byte("ct-" + nonce),
		Nonce:      nonce,
	})
	require.NoError(t, err)
	return m
}

func TestResolveTarget(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice, bob, carol := f.addUser("alice"), f.addUser("bob"), f.addUser("carol")
	channel, archived := uuid.New(), uuid.New()
	f.dir.AddChannel(channel, alice, bob)
	f.dir.AddChannel(archived, alice)
	f.dir.ArchiveChannel(archived)

	_, err := f.store.ResolveTarget(ctx, alice, TargetSelector{})
	assert.ErrorIs(t, err, sealed_errors.ErrInvalidInput)

	_, err = f.store.ResolveTarget(ctx, alice, TargetSelector{ChannelID: channel, RecipientID: bob})
	assert.ErrorIs(t, err, sealed_errors.ErrInvalidInput)

	resolved, err := f.store.ResolveTarget(ctx, alice, TargetSelector{ChannelID: channel})
	require.NoError(t, err)
	id, ok := resolved.Target.Channel()
	assert.True(t, ok)
	assert.Equal(t, channel, id)
	assert.Equal(t, uuid.Nil, resolved.Recipient(alice))

	_, err = f.store.ResolveTarget(ctx, carol, TargetSelector{ChannelID: channel})
	assert.ErrorIs(t, err, sealed_errors.ErrForbidden)

	_, err = f.store.ResolveTarget(ctx, alice, TargetSelector{ChannelID: archived})
	assert.ErrorIs(t, err, sealed_errors.ErrForbidden)

	resolved, err = f.store.ResolveTarget(ctx, alice, TargetSelector{RecipientID: bob})
	require.NoError(t, err)
	convID, ok := resolved.Target.Conversation()
	require.True(t, ok)
	assert.Equal(t, f.conversations.DeriveID(alice, bob), convID)
	assert.Equal(t, bob, resolved.Recipient(alice))

	_, err = f.store.ResolveTarget(ctx, carol, TargetSelector{ConversationID: convID})
	assert.ErrorIs(t, err, sealed_errors.ErrForbidden)

	_, err = f.store.ResolveTarget(ctx, alice, TargetSelector{ConversationID: "missing"})
	assert.ErrorIs(t, err, sealed_errors.ErrNotFound)
}

func TestCreate_NonceIsIdempotent(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice, bob := f.addUser("alice"), f.addUser("bob")
	channel := uuid.New()
	f.dir.AddChannel(channel, alice, bob)

	first := f.sendChannel(t, alice, channel, "n-1")

	again, dup, err := f.store.Create(ctx, CreateMessage{
		SenderID:   alice,
		Target:     message.ChannelTarget(channel),
		Ciphertext: []byte("different"),
		Nonce:      "n-1",
	})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, []byte("ct-n-1"), again.Ciphertext)

	existing, found, err := f.store.ExistsByNonce(ctx, alice, "n-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, first.ID, existing.ID)

	_, found, err = f.store.ExistsByNonce(ctx, bob, "n-1")
	require.NoError(t, err)
	assert.False(t, found)

	assert.Equal(t, 1, f.msgRepo.Count())
}

func TestCreate_ConcurrentDuplicatesStoreOnce(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	alice := f.addUser("alice")
	channel := uuid.New()
	f.dir.AddChannel(channel, alice)

	const senders = 20
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[uuid.UUID]bool)
	)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, _, err := f.store.Create(context.Background(), CreateMessage{
				SenderID:   alice,
				Target:     message.ChannelTarget(channel),
				Ciphertext: []byte("x"),
				Nonce:      "same",
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[m.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, f.msgRepo.Count())
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice := f.addUser("alice")
	target := message.ChannelTarget(uuid.New())

	_, _, err := f.store.Create(ctx, CreateMessage{SenderID: alice, Target: target, Ciphertext: []byte("x")})
	assert.ErrorIs(t, err, sealed_errors.ErrInvalidInput)

	_, _, err = f.store.Create(ctx, CreateMessage{SenderID: alice, Target: target, Nonce: "n"})
	assert.ErrorIs(t, err, sealed_errors.ErrInvalidInput)

	_, _, err = f.store.Create(ctx, CreateMessage{SenderID: alice, Target: target, Nonce: "n", Ciphertext: make([]byte, maxCiphertextBytes+1)})
	assert.ErrorIs(t, err, sealed_errors.ErrTooLarge)

	_, _, err = f.store.Create(ctx, CreateMessage{SenderID: alice, Target: target, Nonce: "n", Ciphertext: []byte("x"), ProtocolVersion: message.ProtocolPerDevice})
	assert.ErrorIs(t, err, sealed_errors.ErrInvalidInput)

	_, _, err = f.store.Create(ctx, CreateMessage{SenderID: alice, Nonce: "n", Ciphertext: []byte("x")})
	assert.ErrorIs(t, err, sealed_errors.ErrInvalidInput)
}

func TestCreateWithPerDeviceEnvelopes_IndependentDelivery(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice, bob := f.addUser("alice"), f.addUser("bob")
	f.register(t, bob, 1)
	f.register(t, bob, 2)
	convID := f.dm(t, alice, bob)

	m, envelopes, dup, err := f.store.CreateWithPerDeviceEnvelopes(ctx, CreateDeviceMessage{
		SenderID:       alice,
		SenderDeviceID: 1,
		ConversationID: convID,
		Nonce:          "v2-1",
		Envelopes: []message.DeviceCiphertext{
			{DeviceID: 1, Ciphertext: []byte("for-1")},
			{DeviceID: 2, Ciphertext: []byte("for-2")},
		},
	})
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Equal(t, message.ProtocolPerDevice, m.ProtocolVersion)
	assert.NotNil(t, m.Ciphertext)
	require.Len(t, envelopes, 2)
	for _, e := range envelopes {
		assert.Equal(t, bob, e.RecipientUserID)
		assert.Equal(t, m.ID, e.MessageID)
	}

	env, err := f.store.GetEnvelopeForDevice(ctx, m.ID, bob, 2, bob)
	require.NoError(t, err)
	assert.Equal(t, []byte("for-2"), env.Ciphertext)

	pending1, err := f.store.ListPendingEnvelopes(ctx, bob, 1, 0)
	require.NoError(t, err)
	require.Len(t, pending1, 1)

	delivered, err := f.store.MarkDelivered(ctx, pending1[0].ID, bob)
	require.NoError(t, err)
	assert.True(t, delivered.Delivered)
	assert.True(t, delivered.DeliveredAt.Valid)

	again, err := f.store.MarkDelivered(ctx, pending1[0].ID, bob)
	require.NoError(t, err)
	assert.Equal(t, delivered.DeliveredAt.Time, again.DeliveredAt.Time)

	pending1, err = f.store.ListPendingEnvelopes(ctx, bob, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, pending1)

	pending2, err := f.store.ListPendingEnvelopes(ctx, bob, 2, 0)
	require.NoError(t, err)
	require.Len(t, pending2, 1)
	assert.False(t, pending2[0].Delivered)

	_, _, dup, err = f.store.CreateWithPerDeviceEnvelopes(ctx, CreateDeviceMessage{
		SenderID:       alice,
		ConversationID: convID,
		Nonce:          "v2-1",
		Envelopes:      []message.DeviceCiphertext{{DeviceID: 1, Ciphertext: []byte("retry")}},
	})
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Equal(t, 2, f.msgRepo.EnvelopeCount(m.ID))
}

func TestCreateWithPerDeviceEnvelopes_Validation(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice, bob, carol := f.addUser("alice"), f.addUser("bob"), f.addUser("carol")
	f.register(t, bob, 1)
	f.register(t, bob, 2)
	require.NoError(t, f.registry.DeactivateDevice(ctx, bob, 2))
	convID := f.dm(t, alice, bob)

	send := func(sender uuid.UUID, envelopes ...message.DeviceCiphertext) error {
		_, _, _, err := f.store.CreateWithPerDeviceEnvelopes(ctx, CreateDeviceMessage{
			SenderID:       sender,
			ConversationID: convID,
			Nonce:          uuid.NewString(),
			Envelopes:      envelopes,
		})
		return err
	}

	assert.ErrorIs(t, send(alice), sealed_errors.ErrInvalidInput)
	assert.ErrorIs(t, send(alice,
		message.DeviceCiphertext{DeviceID: 1, Ciphertext: []byte("a")},
		message.DeviceCiphertext{DeviceID: 1, Ciphertext: []byte("b")},
	), sealed_errors.ErrInvalidInput)
	assert.ErrorIs(t, send(alice, message.DeviceCiphertext{DeviceID: 1}), sealed_errors.ErrInvalidInput)
	assert.ErrorIs(t, send(alice, message.DeviceCiphertext{DeviceID: 2, Ciphertext: []byte("x")}), sealed_errors.ErrInvalidInput)
	assert.ErrorIs(t, send(alice, message.DeviceCiphertext{DeviceID: 9, Ciphertext: []byte("x")}), sealed_errors.ErrInvalidInput)
	assert.ErrorIs(t, send(carol, message.DeviceCiphertext{DeviceID: 1, Ciphertext: []byte("x")}), sealed_errors.ErrForbidden)

	assert.Equal(t, 0, f.msgRepo.Count())
}

func TestCreateWithPerDeviceEnvelopes_AllOrNothing(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice, bob := f.addUser("alice"), f.addUser("bob")
	f.register(t, bob, 1)
	convID := f.dm(t, alice, bob)
	f.msgRepo.FailEnvelopeWrites = true

	_, _, _, err := f.store.CreateWithPerDeviceEnvelopes(ctx, CreateDeviceMessage{
		SenderID:       alice,
		ConversationID: convID,
		Nonce:          "n",
		Envelopes:      []message.DeviceCiphertext{{DeviceID: 1, Ciphertext: []byte("x")}},
	})
	require.Error(t, err)
	assert.False(t, sealed_errors.IsTaxonomy(err))
	assert.Equal(t, 0, f.msgRepo.Count())

	_, found, err := f.store.ExistsByNonce(ctx, alice, "n")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAccessControl_Forbidden(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice, bob, carol := f.addUser("alice"), f.addUser("bob"), f.addUser("carol")
	f.register(t, bob, 1)
	channel := uuid.New()
	f.dir.AddChannel(channel, alice, bob)

	t.Run("outsider reads DM", func(t *testing.T) {
		m := f.sendDM(t, alice, bob, "dm-1")
		_, err := f.store.GetMessage(ctx, m.ID, carol)
		assert.ErrorIs(t, err, sealed_errors.ErrForbidden)
	})

	t.Run("outsider lists channel", func(t *testing.T) {
		f.sendChannel(t, alice, channel, "c-1")
		_, err := f.store.ListChannelMessages(ctx, channel, carol, 10, nil)
		assert.ErrorIs(t, err, sealed_errors.ErrForbidden)
	})

	t.Run("participant fetches another user's envelope", func(t *testing.T) {
		m, envelopes, _, err := f.store.CreateWithPerDeviceEnvelopes(ctx, CreateDeviceMessage{
			SenderID:       alice,
			ConversationID: f.dm(t, alice, bob),
			Nonce:          "v2-forbidden",
			Envelopes:      []message.DeviceCiphertext{{DeviceID: 1, Ciphertext: []byte("x")}},
		})
		require.NoError(t, err)

		_, err = f.store.GetEnvelopeForDevice(ctx, m.ID, bob, 1, alice)
		assert.ErrorIs(t, err, sealed_errors.ErrForbidden)

		_, err = f.store.GetEnvelopeForDevice(ctx, m.ID, bob, 1, carol)
		assert.ErrorIs(t, err, sealed_errors.ErrForbidden)

		_, err = f.store.MarkDelivered(ctx, envelopes[0].ID, alice)
		assert.ErrorIs(t, err, sealed_errors.ErrForbidden)
	})

	t.Run("non-sender edits or deletes", func(t *testing.T) {
		m := f.sendChannel(t, alice, channel, "c-2")
		_, err := f.store.Edit(ctx, m.ID, bob, []byte("mine now"))
		assert.ErrorIs(t, err, sealed_errors.ErrForbidden)
		_, err = f.store.Delete(ctx, m.ID, bob)
		assert.ErrorIs(t, err, sealed_errors.ErrForbidden)
	})
}

func TestListChannelMessages_Pagination(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice := f.addUser("alice")
	channel := uuid.New()
	f.dir.AddChannel(channel, alice)

	var sent []message.Message
	for _, nonce := range []string{"1", "2", "3", "4", "5"} {
		sent = append(sent, f.sendChannel(t, alice, channel, nonce))
	}

	page, err := f.store.ListChannelMessages(ctx, channel, alice, 2, nil)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, sent[3].ID, page[0].ID)
	assert.Equal(t, sent[4].ID, page[1].ID)

	page, err = f.store.ListChannelMessages(ctx, channel, alice, 2, &page[0].ID)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, sent[1].ID, page[0].ID)
	assert.Equal(t, sent[2].ID, page[1].ID)

	page, err = f.store.ListChannelMessages(ctx, channel, alice, 2, &page[0].ID)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, sent[0].ID, page[0].ID)

	other := uuid.New()
	f.dir.AddChannel(other, alice)
	foreign := f.sendChannel(t, alice, other, "elsewhere")
	_, err = f.store.ListChannelMessages(ctx, channel, alice, 2, &foreign.ID)
	assert.ErrorIs(t, err, sealed_errors.ErrInvalidInput)
}

func TestListDmMessages(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice, bob, carol := f.addUser("alice"), f.addUser("bob"), f.addUser("carol")

	msgs, err := f.store.ListDmMessages(ctx, alice, carol, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.NotNil(t, msgs)

	f.sendDM(t, alice, bob, "a")
	f.sendDM(t, bob, alice, "b")

	msgs, err = f.store.ListDmMessages(ctx, bob, alice, 10, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Nonce)
	assert.Equal(t, "b", msgs[1].Nonce)
}

func TestEditAndDelete(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice, bob := f.addUser("alice"), f.addUser("bob")
	channel := uuid.New()
	f.dir.AddChannel(channel, alice, bob)
	m := f.sendChannel(t, alice, channel, "e")

	edited, err := f.store.Edit(ctx, m.ID, alice, []byte("v2"))
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)

	got, err := f.store.GetMessage(ctx, m.ID, bob)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got.Ciphertext)
	assert.True(t, got.IsEdited)

	_, err = f.store.Delete(ctx, m.ID, alice)
	require.NoError(t, err)

	_, err = f.store.GetMessage(ctx, m.ID, bob)
	assert.ErrorIs(t, err, sealed_errors.ErrNotFound)
	_, err = f.store.Edit(ctx, m.ID, alice, []byte("v3"))
	assert.ErrorIs(t, err, sealed_errors.ErrNotFound)

	msgs, err := f.store.ListChannelMessages(ctx, channel, bob, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestUpdateStatus_ForwardOnly(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice, bob := f.addUser("alice"), f.addUser("bob")
	m := f.sendDM(t, alice, bob, "s")

	_, err := f.store.UpdateStatus(ctx, m.ID, message.StatusDelivered, alice)
	assert.ErrorIs(t, err, sealed_errors.ErrForbidden)

	_, err = f.store.UpdateStatus(ctx, m.ID, message.Status("lost"), bob)
	assert.ErrorIs(t, err, sealed_errors.ErrInvalidInput)

	updated, err := f.store.UpdateStatus(ctx, m.ID, message.StatusRead, bob)
	require.NoError(t, err)
	assert.Equal(t, message.StatusRead, updated.Status)

	same, err := f.store.UpdateStatus(ctx, m.ID, message.StatusRead, bob)
	require.NoError(t, err)
	assert.Equal(t, updated.UpdatedAt, same.UpdatedAt)

	_, err = f.store.UpdateStatus(ctx, m.ID, message.StatusDelivered, bob)
	assert.ErrorIs(t, err, sealed_errors.ErrInvalidTransition)

	stored, err := f.store.GetMessage(ctx, m.ID, alice)
	require.NoError(t, err)
	assert.Equal(t, message.StatusRead, stored.Status)
}

// racingMessages holds the first two GetByID callers until both have read
// the message, so their status writes start from the same snapshot.
type racingMessages struct {
	*memory.MessageRepository
	mu      sync.Mutex
	callers int
	ready   sync.WaitGroup
}

func (r *racingMessages) GetByID(ctx context.Context, id uuid.UUID) (message.Message, error) {
	m, err := r.MessageRepository.GetByID(ctx, id)
	r.mu.Lock()
	gate := r.callers < 2
	r.callers++
	r.mu.Unlock()
	if gate {
		r.ready.Done()
		r.ready.Wait()
	}
	return m, err
}

func TestUpdateStatus_ConcurrentReportsNeverRegress(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t, StatusForwardOnly)
		ctx := context.Background()
		alice, bob := f.addUser("alice"), f.addUser("bob")
		m := f.sendDM(t, alice, bob, "s")

		racing := &racingMessages{MessageRepository: f.msgRepo}
		racing.ready.Add(2)
		store := NewEnvelopeStore(racing, f.conversations, f.dir, f.registry, StatusForwardOnly)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, status := range []message.Status{message.StatusRead, message.StatusDelivered} {
			wg.Add(1)
			go func(j int, status message.Status) {
				defer wg.Done()
				_, errs[j] = store.UpdateStatus(ctx, m.ID, status, bob)
			}(j, status)
		}
		wg.Wait()

		require.NoError(t, errs[0])
		if errs[1] != nil {
			assert.ErrorIs(t, errs[1], sealed_errors.ErrInvalidTransition)
		}
		stored, err := f.msgRepo.GetByID(ctx, m.ID)
		require.NoError(t, err)
		assert.Equal(t, message.StatusRead, stored.Status)
	}
}

func TestUpdateStatus_AllowRegression(t *testing.T) {
	f := newFixture(t, StatusAllowRegression)
	ctx := context.Background()
	alice, bob := f.addUser("alice"), f.addUser("bob")
	m := f.sendDM(t, alice, bob, "s")

	_, err := f.store.UpdateStatus(ctx, m.ID, message.StatusRead, bob)
	require.NoError(t, err)
	back, err := f.store.UpdateStatus(ctx, m.ID, message.StatusDelivered, bob)
	require.NoError(t, err)
	assert.Equal(t, message.StatusDelivered, back.Status)
}

func TestUpdateStatus_SelfThread(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	alice := f.addUser("alice")
	m := f.sendDM(t, alice, alice, "note")

	updated, err := f.store.UpdateStatus(context.Background(), m.ID, message.StatusRead, alice)
	require.NoError(t, err)
	assert.Equal(t, message.StatusRead, updated.Status)
}

func TestEdit_RejectsPerDeviceMessages(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice, bob := f.addUser("alice"), f.addUser("bob")
	f.register(t, bob, 1)
	convID := f.dm(t, alice, bob)

	m, _, _, err := f.store.CreateWithPerDeviceEnvelopes(ctx, CreateDeviceMessage{
		SenderID:       alice,
		SenderDeviceID: 1,
		ConversationID: convID,
		Nonce:          "v2-edit",
		Envelopes:      []message.DeviceCiphertext{{DeviceID: 1, Ciphertext: []byte("for-1")}},
	})
	require.NoError(t, err)

	_, err = f.store.Edit(ctx, m.ID, alice, []byte("replacement"))
	assert.ErrorIs(t, err, sealed_errors.ErrInvalidInput)

	stored, err := f.store.GetMessage(ctx, m.ID, alice)
	require.NoError(t, err)
	assert.False(t, stored.IsEdited)

	env, err := f.store.GetEnvelopeForDevice(ctx, m.ID, bob, 1, bob)
	require.NoError(t, err)
	assert.Equal(t, []byte("for-1"), env.Ciphertext)
}
