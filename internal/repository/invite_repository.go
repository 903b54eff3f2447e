package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jbweber/homelab/aspen/internal/domain"
)

// InviteRepository extends the generic Repository with invite-specific operations
type InviteRepository interface {
	Repository[domain.Invite, int64]

	WithTx(tx *sql.Tx) InviteRepository
	FindByCode(ctx context.Context, code string) (domain.Invite, error)
	FindPage(ctx context.Context, offset, limit int) ([]domain.Invite, error)

	// MarkConsumed records the consuming peer if the invite is still unused.
	// It reports false when another consumer got there first.
	MarkConsumed(ctx context.Context, id, peerID int64, at time.Time) (bool, error)
}

const inviteColumns = `id, code, expires_at, consumed_by_peer_id, consumed_at, description, created_at, updated_at`

type inviteRepositoryImpl struct {
	db DBTX
}

// NewInviteRepository creates a new invite repository
func NewInviteRepository(db *sql.DB) InviteRepository {
	return &inviteRepositoryImpl{db: db}
}

func (r *inviteRepositoryImpl) WithTx(tx *sql.Tx) InviteRepository {
	return &inviteRepositoryImpl{db: tx}
}

// Save creates or updates an invite. Updates only touch description and expiry.
func (r *inviteRepositoryImpl) Save(ctx context.Context, invite domain.Invite) (domain.Invite, error) {
	if invite.ID == 0 {
		return r.createInvite(ctx, invite)
	}
	return r.updateInvite(ctx, invite)
}

func (r *inviteRepositoryImpl) createInvite(ctx context.Context, invite domain.Invite) (domain.Invite, error) {
	if invite.Code == "" {
		return domain.Invite{}, fmt.Errorf("invite code is required: %w", ErrInvalidEntity)
	}

	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO invites (code, expires_at, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		invite.Code, nullTime(invite.ExpiresAt), invite.Description, now, now)
	if err != nil {
		if IsUniqueViolation(err) {
			return domain.Invite{}, fmt.Errorf("invite code: %w", ErrDuplicate)
		}
		return domain.Invite{}, fmt.Errorf("failed to create invite: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return domain.Invite{}, fmt.Errorf("failed to get invite ID: %w", err)
	}

	invite.ID = id
	invite.CreatedAt = now
	invite.UpdatedAt = now
	return invite, nil
}

func (r *inviteRepositoryImpl) updateInvite(ctx context.Context, invite domain.Invite) (domain.Invite, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE invites SET description = ?, expires_at = ?, updated_at = ? WHERE id = ?`,
		invite.Description, nullTime(invite.ExpiresAt), time.Now().UTC(), invite.ID)
	if err != nil {
		return domain.Invite{}, fmt.Errorf("failed to update invite: %w", err)
	}
	if err := expectRow(res, "invite", invite.ID); err != nil {
		return domain.Invite{}, err
	}
	return r.FindByID(ctx, invite.ID)
}

func (r *inviteRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Invite, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE id = ?`, id)
	invite, err := scanInvite(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Invite{}, fmt.Errorf("invite with ID %d: %w", id, ErrNotFound)
		}
		return domain.Invite{}, fmt.Errorf("failed to find invite: %w", err)
	}
	return invite, nil
}

func (r *inviteRepositoryImpl) FindByCode(ctx context.Context, code string) (domain.Invite, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invites WHERE code = ?`, code)
	invite, err := scanInvite(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Invite{}, fmt.Errorf("invite code: %w", ErrNotFound)
		}
		return domain.Invite{}, fmt.Errorf("failed to find invite by code: %w", err)
	}
	return invite, nil
}

func (r *inviteRepositoryImpl) FindAll(ctx context.Context) ([]domain.Invite, error) {
	return r.queryInvites(ctx, `SELECT `+inviteColumns+` FROM invites ORDER BY id ASC`)
}

func (r *inviteRepositoryImpl) FindPage(ctx context.Context, offset, limit int) ([]domain.Invite, error) {
	return r.queryInvites(ctx, `SELECT `+inviteColumns+` FROM invites ORDER BY id ASC LIMIT ? OFFSET ?`, limit, offset)
}

func (r *inviteRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM invites WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete invite: %w", err)
	}
	return expectRow(res, "invite", id)
}

func (r *inviteRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invites WHERE id = ?`, id).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check invite existence: %w", err)
	}
	return count > 0, nil
}

func (r *inviteRepositoryImpl) MarkConsumed(ctx context.Context, id, peerID int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE invites SET consumed_by_peer_id = ?, consumed_at = ?, updated_at = ?
		WHERE id = ? AND consumed_at IS NULL`,
		peerID, at.UTC(), at.UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to consume invite: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

func (r *inviteRepositoryImpl) queryInvites(ctx context.Context, query string, args ...any) ([]domain.Invite, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invites: %w", err)
	}
	defer rows.Close()

	var invites []domain.Invite
	for rows.Next() {
		invite, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan invite: %w", err)
		}
		invites = append(invites, invite)
	}
	return invites, rows.Err()
}

func scanInvite(s scanner) (domain.Invite, error) {
	var i domain.Invite
	var expiresAt, consumedAt sql.NullTime
	var consumedBy sql.NullInt64

	err := s.Scan(&i.ID, &i.Code, &expiresAt, &consumedBy, &consumedAt, &i.Description, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return domain.Invite{}, err
	}

	if expiresAt.Valid {
		t := expiresAt.Time
		i.ExpiresAt = &t
	}
	if consumedBy.Valid {
		id := consumedBy.Int64
		i.ConsumedBy = &id
	}
	if consumedAt.Valid {
		t := consumedAt.Time
		i.ConsumedAt = &t
	}
	return i, nil
}
