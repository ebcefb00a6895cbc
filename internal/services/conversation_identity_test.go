package services

import (
	"context"
	"sync"
	"testing"

	"sealed-relay/internal/repository/memory"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIDDeriver_RejectsMissingSecrets(t *testing.T) {
	_, err := NewIDDeriver(nil)
	assert.Error(t, err)

	_, err = NewIDDeriver([]string{"current", ""})
	assert.Error(t, err)
}

func TestDeriveID_DeterministicAndSymmetric(t *testing.T) {
	d, err := NewIDDeriver([]string{"secret"})
	require.NoError(t, err)
	a, b := uuid.New(), uuid.New()

	ab := d.DeriveID(a, b)
	assert.Equal(t, ab, d.DeriveID(b, a))
	assert.Equal(t, ab, d.DeriveID(a, b))
	assert.Len(t, ab, 32)

	other, err := NewIDDeriver([]string{"another-secret"})
	require.NoError(t, err)
	assert.NotEqual(t, ab, other.DeriveID(a, b))
}

func TestDeriveID_SelfThreadDiffersFromPairs(t *testing.T) {
	d, err := NewIDDeriver([]string{"secret"})
	require.NoError(t, err)
	a, b := uuid.New(), uuid.New()

	self := d.DeriveID(a, a)
	assert.NotEqual(t, self, d.DeriveID(a, b))
	assert.NotEqual(t, self, d.DeriveID(b, b))
}

func TestDeriveIDWithVersion(t *testing.T) {
	old, err := NewIDDeriver([]string{"v1-secret"})
	require.NoError(t, err)
	rotated, err := NewIDDeriver([]string{"v2-secret", "v1-secret"})
	require.NoError(t, err)
	a, b := uuid.New(), uuid.New()

	assert.Equal(t, 1, old.CurrentVersion())
	assert.Equal(t, 2, rotated.CurrentVersion())

	v1, err := rotated.DeriveIDWithVersion(1, a, b)
	require.NoError(t, err)
	assert.Equal(t, old.DeriveID(a, b), v1)
	assert.NotEqual(t, v1, rotated.DeriveID(a, b))

	_, err = rotated.DeriveIDWithVersion(3, a, b)
	assert.ErrorIs(t, err, sealed_errors.ErrNotFound)
}

func TestStartConversation_Idempotent(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice, bob := f.addUser("alice"), f.addUser("bob")

	first, created, err := f.conversations.StartConversation(ctx, alice, bob)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, f.conversations.DeriveID(alice, bob), first.ID)
	assert.True(t, first.HasParticipant(alice))
	assert.True(t, first.HasParticipant(bob))
	assert.LessOrEqual(t, first.ParticipantA.String(), first.ParticipantB.String())

	again, created, err := f.conversations.StartConversation(ctx, bob, alice)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, 1, f.convRepo.Count())
}

func TestStartConversation_ConcurrentStartsCreateOne(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	alice, bob := f.addUser("alice"), f.addUser("bob")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]bool)
		created int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice, bob
			if i%2 == 1 {
				a, b = bob, alice
			}
			c, isNew, err := f.conversations.StartConversation(context.Background(), a, b)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[c.ID] = true
			if isNew {
				created++
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, f.convRepo.Count())
}

func TestStartConversation_SelfThread(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	alice := f.addUser("alice")

	c, created, err := f.conversations.StartConversation(context.Background(), alice, alice)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, c.IsSelf())
	assert.Equal(t, alice, c.Other(alice))
}

func TestStartConversation_Errors(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice := f.addUser("alice")

	_, _, err := f.conversations.StartConversation(ctx, alice, uuid.Nil)
	assert.ErrorIs(t, err, sealed_errors.ErrInvalidInput)

	_, _, err = f.conversations.StartConversation(ctx, alice, uuid.New())
	assert.ErrorIs(t, err, sealed_errors.ErrNotFound)
	assert.Equal(t, 0, f.convRepo.Count())
}

func TestLookup_FindsConversationsAfterRotation(t *testing.T) {
	repo := memory.NewConversationRepository()
	dir := memory.NewDirectory()
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()

	before, err := NewIDDeriver([]string{"v1-secret"})
	require.NoError(t, err)
	original, _, err := NewConversationIdentity(before, repo, nil).StartConversation(ctx, alice, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, original.SecretVersion)

	after, err := NewIDDeriver([]string{"v2-secret", "v1-secret"})
	require.NoError(t, err)
	identity := NewConversationIdentity(after, repo, dir)

	found, err := identity.Lookup(ctx, bob, alice)
	require.NoError(t, err)
	assert.Equal(t, original.ID, found.ID)

	resumed, created, err := identity.StartConversation(ctx, alice, bob)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, original.ID, resumed.ID)
	assert.Equal(t, 1, repo.Count())
}

func TestIsParticipant(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice, bob, carol := f.addUser("alice"), f.addUser("bob"), f.addUser("carol")
	c, _, err := f.conversations.StartConversation(ctx, alice, bob)
	require.NoError(t, err)

	ok, err := f.conversations.IsParticipant(ctx, c.ID, bob)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.conversations.IsParticipant(ctx, c.ID, carol)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.conversations.IsParticipant(ctx, "missing", alice)
	assert.ErrorIs(t, err, sealed_errors.ErrNotFound)
}

func TestPartners_DistinctAndSkipsSelf(t *testing.T) {
	f := newFixture(t, StatusForwardOnly)
	ctx := context.Background()
	alice, bob, carol := f.addUser("alice"), f.addUser("bob"), f.addUser("carol")
	f.dm(t, alice, bob)
	f.dm(t, carol, alice)
	f.dm(t, alice, alice)
	f.dm(t, bob, carol)

	partners, err := f.conversations.Partners(ctx, alice)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{bob, carol}, partners)
}
