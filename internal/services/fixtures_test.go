package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"sealed-relay/internal/domain/encryption"
	"sealed-relay/internal/domain/user"
	"sealed-relay/internal/repository/memory"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// stepClock returns a clock that advances by one millisecond per call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
}

type fixture struct {
	dir           *memory.Directory
	keyRepo       *memory.KeyRepository
	convRepo      *memory.ConversationRepository
	msgRepo       *memory.MessageRepository
	skRepo        *memory.SenderKeyRepository
	registry      *KeyRegistry
	conversations *ConversationIdentity
	store         *EnvelopeStore
	senderKeys    *SenderKeyDistributor
}

func newFixture(t *testing.T, policy StatusPolicy) *fixture {
	t.Helper()
	deriver, err := NewIDDeriver([]string{"test-secret"})
	require.NoError(t, err)

	f := &fixture{
		dir:      memory.NewDirectory(),
		keyRepo:  memory.NewKeyRepository(),
		convRepo: memory.NewConversationRepository(),
		msgRepo:  memory.NewMessageRepository(),
		skRepo:   memory.NewSenderKeyRepository(),
	}
	f.registry = NewKeyRegistry(f.keyRepo, DefaultKeyRegistryConfig())
	f.conversations = NewConversationIdentity(deriver, f.convRepo, f.dir)
	f.store = NewEnvelopeStore(f.msgRepo, f.conversations, f.dir, f.registry, policy)
	f.senderKeys = NewSenderKeyDistributor(f.skRepo, f.dir, f.registry)

	clock := stepClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f.store.clock = clock
	f.conversations.clock = clock
	return f
}

func (f *fixture) addUser(name string) uuid.UUID {
	id := uuid.New()
	f.dir.AddUser(user.User{ID: id, Username: name, DisplayName: name})
	return id
}

func registration(userID uuid.UUID, deviceID int, oneTimeKeyIDs ...int) encryption.DeviceRegistration {
	otks := make([]encryption.OneTimeKeyUpload, 0, len(oneTimeKeyIDs))
	for _, id := range oneTimeKeyIDs {
		otks = append(otks, encryption.OneTimeKeyUpload{KeyID: id, PublicKey: []byte{byte(id), 0xAA}})
	}
	return encryption.DeviceRegistration{
		UserID:         userID,
		DeviceID:       deviceID,
		Kind:           encryption.DeviceKindMobile,
		IdentityKey:    []byte("identity-" + userID.String()),
		RegistrationID: 4242,
		SignedKey: encryption.SignedKeyUpload{
			KeyID:     1,
			PublicKey: []byte("signed"),
			Signature: []byte("signature"),
		},
		OneTimeKeys: otks,
	}
}

func (f *fixture) register(t *testing.T, userID uuid.UUID, deviceID int, oneTimeKeyIDs ...int) encryption.Device {
	t.Helper()
	d, err := f.registry.RegisterDevice(context.Background(), registration(userID, deviceID, oneTimeKeyIDs...))
	require.NoError(t, err)
	return d
}
