package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"sealed-relay/internal/domain/user"
	sealed_errors "sealed-relay/pkg/errors"

	"github.com/google/uuid"
)

type channelEntry struct {
	members  map[uuid.UUID]bool
	archived bool
}

// Directory is an in-memory membership oracle and user directory.
type Directory struct {
	mu       sync.RWMutex
	users    map[uuid.UUID]user.User
	channels map[uuid.UUID]*channelEntry
}

func NewDirectory() *Directory {
	return &Directory{
		users:    make(map[uuid.UUID]user.User),
		channels: make(map[uuid.UUID]*channelEntry),
	}
}

func (d *Directory) AddUser(u user.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// AddChannel registers a channel with its group members.
func (d *Directory) AddChannel(channelID uuid.UUID, members ...uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := &channelEntry{members: make(map[uuid.UUID]bool)}
	for _, m := range members {
		entry.members[m] = true
	}
	d.channels[channelID] = entry
}

func (d *Directory) ArchiveChannel(channelID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.channels[channelID]; ok {
		c.archived = true
	}
}

func (d *Directory) IsChannelMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.channels[channelID]
	return ok && c.members[userID], nil
}

func (d *Directory) CanAccessChannel(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.channels[channelID]
	return ok && !c.archived && c.members[userID], nil
}

func (d *Directory) ChannelMembers(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.channels[channelID]
	if !ok {
		return nil, nil
	}
	out := make([]uuid.UUID, 0, len(c.members))
	for id := range c.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (d *Directory) FindUserByID(ctx context.Context, id uuid.UUID) (user.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return user.User{}, fmt.Errorf("%w: user", sealed_errors.ErrNotFound)
	}
	return u, nil
}

func (d *Directory) FindUserByUsername(ctx context.Context, username string) (user.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, u := range d.users {
		if strings.EqualFold(u.Username, username) {
			return u, nil
		}
	}
	return user.User{}, fmt.Errorf("%w: user", sealed_errors.ErrNotFound)
}
