package repository

import (
	"context"

	"sealed-relay/internal/domain/user"

	"github.com/google/uuid"
)

// DirectoryRepository reads membership and user data owned by the community
// and identity services. It never writes.
type DirectoryRepository struct {
	db DBTX
}

func NewDirectoryRepository(db DBTX) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

func (r *DirectoryRepository) IsChannelMember(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM channels c
            JOIN group_members gm ON gm.group_id = c.group_id
            WHERE c.id = $1 AND gm.user_id = $2
        )
    `, channelID, userID).Scan(&ok)
	return ok, err
}

// CanAccessChannel additionally requires the channel to be open for traffic.
func (r *DirectoryRepository) CanAccessChannel(ctx context.Context, channelID, userID uuid.UUID) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM channels c
            JOIN group_members gm ON gm.group_id = c.group_id
            WHERE c.id = $1 AND gm.user_id = $2 AND NOT c.is_archived
        )
    `, channelID, userID).Scan(&ok)
	return ok, err
}

func (r *DirectoryRepository) ChannelMembers(ctx context.Context, channelID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.db.QueryContext(ctx, `
        SELECT gm.user_id FROM channels c
        JOIN group_members gm ON gm.group_id = c.group_id
        WHERE c.id = $1
        ORDER BY gm.user_id
    `, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *DirectoryRepository) FindUserByID(ctx context.Context, id uuid.UUID) (user.User, error) {
	var u user.User
	err := r.db.QueryRowContext(ctx, `
        SELECT id, username, display_name FROM users WHERE id = $1
    `, id).Scan(&u.ID, &u.Username, &u.DisplayName)
	if err != nil {
		return user.User{}, notFound(err, "user")
	}
	return u, nil
}

func (r *DirectoryRepository) FindUserByUsername(ctx context.Context, username string) (user.User, error) {
	var u user.User
	err := r.db.QueryRowContext(ctx, `
        SELECT id, username, display_name FROM users WHERE lower(username) = lower($1)
    `, username).Scan(&u.ID, &u.Username, &u.DisplayName)
	if err != nil {
		return user.User{}, notFound(err, "user")
	}
	return u, nil
}
