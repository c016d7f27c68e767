package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/meshlog-network/meshlog/internal/domain"
)

// NodeStore persists the local node's identity and incarnation counter.
type NodeStore struct {
	db *DB
}

// NewNodeStore creates the store over an open database.
func NewNodeStore(db *DB) *NodeStore {
	return &NodeStore{db: db}
}

// Load returns the stored identity, or nil when the node has never been
// initialised.
func (s *NodeStore) Load(ctx context.Context) (*domain.Identity, error) {
	var id string
	var incarnation uint64
	err := s.db.db.QueryRowContext(ctx,
		`SELECT node_id, incarnation FROM node_identity WHERE id = 1`).Scan(&id, &incarnation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}
	return &domain.Identity{ID: domain.NodeID(id), Incarnation: incarnation}, nil
}

// Save upserts the identity row.
func (s *NodeStore) Save(ctx context.Context, identity domain.Identity) error {
	if !identity.ID.Valid() {
		return domain.ErrNodeIdentity
	}
	_, err := s.db.db.ExecContext(ctx, `
		INSERT INTO node_identity (id, node_id, incarnation, updated_at)
		VALUES (1, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET
			node_id     = excluded.node_id,
			incarnation = excluded.incarnation,
			updated_at  = excluded.updated_at`,
		string(identity.ID), identity.Incarnation)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

// LoadOrCreate returns the stored identity, minting and persisting a
// fresh UUID-based one on first boot.
func (s *NodeStore) LoadOrCreate(ctx context.Context) (*domain.Identity, error) {
	identity, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	if identity != nil {
		return identity, nil
	}
	identity = &domain.Identity{ID: domain.NodeID("node-" + uuid.NewString())}
	if err := s.Save(ctx, *identity); err != nil {
		return nil, err
	}
	return identity, nil
}
