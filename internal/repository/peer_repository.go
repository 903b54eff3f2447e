package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"time"

	"github.com/jbweber/homelab/aspen/internal/domain"
)

// PeerRepository extends the generic Repository with peer-specific operations
type PeerRepository interface {
	Repository[domain.Peer, int64]

	// WithTx returns a repository bound to tx
	WithTx(tx *sql.Tx) PeerRepository

	FindByName(ctx context.Context, name string) (domain.Peer, error)
	FindByPublicKey(ctx context.Context, publicKey string) (domain.Peer, error)
	FindByToken(ctx context.Context, token string) (domain.Peer, error)
	FindPage(ctx context.Context, offset, limit int) ([]domain.Peer, error)
	FindEnabled(ctx context.Context) ([]domain.Peer, error)
	Count(ctx context.Context) (int64, error)

	// BootstrapClaimed reports whether any peer has ever been made the
	// bootstrap admin. Deleting that peer does not clear the claim.
	BootstrapClaimed(ctx context.Context) (bool, error)
	// ClaimBootstrap records peerID as the bootstrap admin. Returns
	// ErrDuplicate when the claim was already taken.
	ClaimBootstrap(ctx context.Context, peerID int64) error

	SetAddress(ctx context.Context, id int64, addr netip.Addr) error
	SetEnabled(ctx context.Context, id int64, enabled bool) (domain.Peer, error)

	// Close releases cached statements
	Close() error
}

const peerColumns = `id, name, public_key, address, enabled, admin, token, description, last_seen, created_at, updated_at`

// peerRepositoryImpl implements PeerRepository
type peerRepositoryImpl struct {
	db    DBTX
	stmts *PreparedStatementCache // nil when bound to a transaction
}

// NewPeerRepository creates a new peer repository
func NewPeerRepository(db *sql.DB) PeerRepository {
	return &peerRepositoryImpl{
		db:    db,
		stmts: NewPreparedStatementCache(db),
	}
}

func (r *peerRepositoryImpl) WithTx(tx *sql.Tx) PeerRepository {
	return &peerRepositoryImpl{db: tx}
}

func (r *peerRepositoryImpl) Close() error {
	if r.stmts == nil {
		return nil
	}
	return r.stmts.Close()
}

// Save creates or updates a peer
func (r *peerRepositoryImpl) Save(ctx context.Context, peer domain.Peer) (domain.Peer, error) {
	if peer.ID == 0 {
		return r.createPeer(ctx, peer)
	}
	return r.updatePeer(ctx, peer)
}

func (r *peerRepositoryImpl) createPeer(ctx context.Context, peer domain.Peer) (domain.Peer, error) {
	if peer.Name == "" {
		return domain.Peer{}, fmt.Errorf("peer name is required: %w", ErrInvalidEntity)
	}
	if peer.PublicKey == "" {
		return domain.Peer{}, fmt.Errorf("peer public key is required: %w", ErrInvalidEntity)
	}
	if peer.Token == "" {
		return domain.Peer{}, fmt.Errorf("peer token is required: %w", ErrInvalidEntity)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO peers (name, public_key, address, enabled, admin, token, description, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := r.db.ExecContext(ctx, query,
		peer.Name, peer.PublicKey, nullAddr(peer.Address), peer.Enabled, peer.Admin,
		peer.Token, peer.Description, nullTime(peer.LastSeen), now, now)
	if err != nil {
		if IsUniqueViolation(err) {
			return domain.Peer{}, fmt.Errorf("peer %s: %w", peer.Name, ErrDuplicate)
		}
		return domain.Peer{}, fmt.Errorf("failed to create peer: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return domain.Peer{}, fmt.Errorf("failed to get peer ID: %w", err)
	}

	peer.ID = id
	peer.CreatedAt = now
	peer.UpdatedAt = now
	return peer, nil
}

// updatePeer writes the mutable peer fields. Name, public key, token and
// address are fixed after registration.
func (r *peerRepositoryImpl) updatePeer(ctx context.Context, peer domain.Peer) (domain.Peer, error) {
	query := `
		UPDATE peers
		SET enabled = ?, admin = ?, description = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`

	res, err := r.db.ExecContext(ctx, query,
		peer.Enabled, peer.Admin, peer.Description, nullTime(peer.LastSeen), time.Now().UTC(), peer.ID)
	if err != nil {
		return domain.Peer{}, fmt.Errorf("failed to update peer: %w", err)
	}
	if err := expectRow(res, "peer", peer.ID); err != nil {
		return domain.Peer{}, err
	}

	return r.FindByID(ctx, peer.ID)
}

// FindByID retrieves a peer by its ID
func (r *peerRepositoryImpl) FindByID(ctx context.Context, id int64) (domain.Peer, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE id = ?`, id)
	peer, err := scanPeer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Peer{}, fmt.Errorf("peer with ID %d: %w", id, ErrNotFound)
		}
		return domain.Peer{}, fmt.Errorf("failed to find peer: %w", err)
	}
	return peer, nil
}

// FindAll retrieves all peers ordered by id
func (r *peerRepositoryImpl) FindAll(ctx context.Context) ([]domain.Peer, error) {
	return r.queryPeers(ctx, `SELECT `+peerColumns+` FROM peers ORDER BY id ASC`)
}

// DeleteByID deletes a peer by its ID
func (r *peerRepositoryImpl) DeleteByID(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM peers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete peer: %w", err)
	}
	return expectRow(res, "peer", id)
}

// ExistsByID checks if a peer exists by its ID
func (r *peerRepositoryImpl) ExistsByID(ctx context.Context, id int64) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM peers WHERE id = ?`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check peer existence: %w", err)
	}
	return count > 0, nil
}

// FindByName retrieves a peer by its unique name
func (r *peerRepositoryImpl) FindByName(ctx context.Context, name string) (domain.Peer, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE name = ?`, name)
	peer, err := scanPeer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Peer{}, fmt.Errorf("peer with name %s: %w", name, ErrNotFound)
		}
		return domain.Peer{}, fmt.Errorf("failed to find peer by name: %w", err)
	}
	return peer, nil
}

// FindByPublicKey retrieves a peer by its tunnel public key
func (r *peerRepositoryImpl) FindByPublicKey(ctx context.Context, publicKey string) (domain.Peer, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+peerColumns+` FROM peers WHERE public_key = ?`, publicKey)
	peer, err := scanPeer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Peer{}, fmt.Errorf("peer with public key: %w", ErrNotFound)
		}
		return domain.Peer{}, fmt.Errorf("failed to find peer by public key: %w", err)
	}
	return peer, nil
}

// FindByToken retrieves a peer by access token. Runs on every authenticated
// request so the statement is cached outside transactions.
func (r *peerRepositoryImpl) FindByToken(ctx context.Context, token string) (domain.Peer, error) {
	query := `SELECT ` + peerColumns + ` FROM peers WHERE token = ?`

	var row *sql.Row
	if r.stmts != nil {
		stmt, err := r.stmts.Get(ctx, query)
		if err != nil {
			return domain.Peer{}, fmt.Errorf("failed to prepare token lookup: %w", err)
		}
		row = stmt.QueryRowContext(ctx, token)
	} else {
		row = r.db.QueryRowContext(ctx, query, token)
	}

	peer, err := scanPeer(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Peer{}, fmt.Errorf("peer with token: %w", ErrNotFound)
		}
		return domain.Peer{}, fmt.Errorf("failed to find peer by token: %w", err)
	}
	return peer, nil
}

// FindPage retrieves peers ordered by id starting at offset
func (r *peerRepositoryImpl) FindPage(ctx context.Context, offset, limit int) ([]domain.Peer, error) {
	return r.queryPeers(ctx, `SELECT `+peerColumns+` FROM peers ORDER BY id ASC LIMIT ? OFFSET ?`, limit, offset)
}

// FindEnabled retrieves every enabled peer holding an address
func (r *peerRepositoryImpl) FindEnabled(ctx context.Context) ([]domain.Peer, error) {
	return r.queryPeers(ctx, `SELECT `+peerColumns+` FROM peers WHERE enabled = 1 AND address IS NOT NULL ORDER BY id ASC`)
}

// Count returns the number of peers
func (r *peerRepositoryImpl) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM peers`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count peers: %w", err)
	}
	return count, nil
}

func (r *peerRepositoryImpl) BootstrapClaimed(ctx context.Context) (bool, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bootstrap_admin`).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check bootstrap admin: %w", err)
	}
	return count > 0, nil
}

func (r *peerRepositoryImpl) ClaimBootstrap(ctx context.Context, peerID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO bootstrap_admin (id, peer_id, created_at) VALUES (1, ?, ?)`,
		peerID, time.Now().UTC())
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("bootstrap admin: %w", ErrDuplicate)
		}
		return fmt.Errorf("failed to claim bootstrap admin: %w", err)
	}
	return nil
}

// SetAddress records the pool address assigned to a peer
func (r *peerRepositoryImpl) SetAddress(ctx context.Context, id int64, addr netip.Addr) error {
	res, err := r.db.ExecContext(ctx, `UPDATE peers SET address = ?, updated_at = ? WHERE id = ?`,
		nullAddr(addr), time.Now().UTC(), id)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("address %s: %w", addr, ErrDuplicate)
		}
		return fmt.Errorf("failed to set peer address: %w", err)
	}
	return expectRow(res, "peer", id)
}

// SetEnabled toggles a peer. Enabling also stamps last_seen.
func (r *peerRepositoryImpl) SetEnabled(ctx context.Context, id int64, enabled bool) (domain.Peer, error) {
	now := time.Now().UTC()

	var res sql.Result
	var err error
	if enabled {
		res, err = r.db.ExecContext(ctx, `UPDATE peers SET enabled = 1, last_seen = ?, updated_at = ? WHERE id = ?`, now, now, id)
	} else {
		res, err = r.db.ExecContext(ctx, `UPDATE peers SET enabled = 0, updated_at = ? WHERE id = ?`, now, id)
	}
	if err != nil {
		return domain.Peer{}, fmt.Errorf("failed to set peer enabled: %w", err)
	}
	if err := expectRow(res, "peer", id); err != nil {
		return domain.Peer{}, err
	}

	return r.FindByID(ctx, id)
}

func (r *peerRepositoryImpl) queryPeers(ctx context.Context, query string, args ...any) ([]domain.Peer, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	var peers []domain.Peer
	for rows.Next() {
		peer, err := scanPeer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan peer: %w", err)
		}
		peers = append(peers, peer)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate peers: %w", err)
	}
	return peers, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(s scanner) (domain.Peer, error) {
	var p domain.Peer
	var address sql.NullString
	var lastSeen sql.NullTime

	err := s.Scan(&p.ID, &p.Name, &p.PublicKey, &address, &p.Enabled, &p.Admin,
		&p.Token, &p.Description, &lastSeen, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Peer{}, err
	}

	if address.Valid {
		addr, err := netip.ParseAddr(address.String)
		if err != nil {
			return domain.Peer{}, fmt.Errorf("stored address %q: %w", address.String, err)
		}
		p.Address = addr
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		p.LastSeen = &t
	}
	return p, nil
}

func expectRow(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s with ID %d: %w", entity, id, ErrNotFound)
	}
	return nil
}

func nullAddr(addr netip.Addr) any {
	if !addr.IsValid() {
		return nil
	}
	return addr.String()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
