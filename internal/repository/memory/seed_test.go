package memory

import (
	"context"
	"strings"
	"testing"

	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	aliceID   = "7f1c2a64-0d4e-4c41-9a52-3c0c1d1b0a01"
	bobID     = "7f1c2a64-0d4e-4c41-9a52-3c0c1d1b0a02"
	generalID = "5b0e9c1e-8f6a-4f7e-b2a4-6f0e2d9c1b10"
	oldID     = "5b0e9c1e-8f6a-4f7e-b2a4-6f0e2d9c1b11"
)

func TestLoadSeed(t *testing.T) {
	d := NewDirectory()
	ctx := context.Background()
	seed, err := d.LoadSeed(strings.NewReader(`{
		"users": [
			{"id": "` + aliceID + `", "username": "alice", "display_name": "Alice"},
			{"id": "` + bobID + `", "username": "bob"}
		],
		"channels": [
			{"id": "` + generalID + `", "members": ["` + aliceID + `", "` + bobID + `"]},
			{"id": "` + oldID + `", "members": ["` + aliceID + `"], "archived": true}
		]
	}`))
	require.NoError(t, err)
	assert.Len(t, seed.Users, 2)

	alice, err := d.FindUserByUsername(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, uuid.MustParse(aliceID), alice.ID)
	assert.Equal(t, "Alice", alice.DisplayName)

	ok, err := d.CanAccessChannel(ctx, uuid.MustParse(generalID), uuid.MustParse(bobID))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.IsChannelMember(ctx, uuid.MustParse(oldID), alice.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.CanAccessChannel(ctx, uuid.MustParse(oldID), alice.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadSeed_RejectsInvalidSeedWithoutChanges(t *testing.T) {
	cases := map[string]string{
		"malformed":      `{"users": [`,
		"missing name":   `{"users": [{"id": "` + aliceID + `"}]}`,
		"unknown member": `{"users": [{"id": "` + aliceID + `", "username": "alice"}], "channels": [{"id": "` + generalID + `", "members": ["` + bobID + `"]}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			d := NewDirectory()
			_, err := d.LoadSeed(strings.NewReader(raw))
			assert.ErrorIs(t, err, sealed_errors.ErrInvalidInput)

			_, err = d.FindUserByID(context.Background(), uuid.MustParse(aliceID))
			assert.ErrorIs(t, err, sealed_errors.ErrNotFound)
		})
	}
}
