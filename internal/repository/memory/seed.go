package memory

import (
	"encoding/json"
	"fmt"
	"io"

	"sealed-relay/internal/domain/user"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
)

// Seed is the directory content loaded when running on in-memory storage.
type Seed struct {
	Users    []SeedUser    `json:"users"`
	Channels []SeedChannel `json:"channels"`
}

type SeedUser struct {
	ID          uuid.UUID `json:"id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
}

type SeedChannel struct {
	ID       uuid.UUID   `json:"id"`
	Members  []uuid.UUID `json:"members"`
	Archived bool        `json:"archived"`
}

// LoadSeed reads a JSON seed and adds its users and channels to d. Nothing
// is added when the seed is invalid.
func (d *Directory) LoadSeed(r io.Reader) (Seed, error) {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return Seed{}, fmt.Errorf("%w: seed: %v", sealed_errors.ErrInvalidInput, err)
	}

	known := make(map[uuid.UUID]bool, len(seed.Users))
	for _, u := range seed.Users {
		if u.ID == uuid.Nil || u.Username == "" {
			return Seed{}, fmt.Errorf("%w: seed user needs an id and a username", sealed_errors.ErrInvalidInput)
		}
		known[u.ID] = true
	}
	for _, c := range seed.Channels {
		if c.ID == uuid.Nil {
			return Seed{}, fmt.Errorf("%w: seed channel needs an id", sealed_errors.ErrInvalidInput)
		}
		for _, m := range c.Members {
			if !known[m] {
				return Seed{}, fmt.Errorf("%w: channel %s lists unknown member %s", sealed_errors.ErrInvalidInput, c.ID, m)
			}
		}
	}

	for _, u := range seed.Users {
		d.AddUser(user.User{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName})
	}
	for _, c := range seed.Channels {
		d.AddChannel(c.ID, c.Members...)
		if c.Archived {
			d.ArchiveChannel(c.ID)
		}
	}
	return seed, nil
}
