package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/subsonic_offline/internal/storage"
)

type ServerRepository struct {
	db *sql.DB
}

func NewServerRepository(dbConn *sql.DB) *ServerRepository {
	return &ServerRepository{db: dbConn}
}

// Active returns the server downloads are fetched from, or
// storage.ErrNoActiveServer.
func (r *ServerRepository) Active(ctx context.Context) (*storage.Server, error) {
	var s storage.Server

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, base_url, username, password, is_active, created_at
		FROM servers WHERE is_active = 1`,
	).Scan(&s.ID, &s.Name, &s.BaseURL, &s.Username, &s.Password, &s.IsActive, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNoActiveServer
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get active server: %w", err)
	}

	return &s, nil
}

// Save inserts or updates s. When s.IsActive is set, every other server is
// deactivated in the same transaction.
func (r *ServerRepository) Save(ctx context.Context, s *storage.Server) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}

	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if s.IsActive {
		if _, err := tx.ExecContext(ctx, `UPDATE servers SET is_active = 0 WHERE id <> ?`, s.ID); err != nil {
			return fmt.Errorf("failed to deactivate servers: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO servers (id, name, base_url, username, password, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			base_url = excluded.base_url,
			username = excluded.username,
			password = excluded.password,
			is_active = excluded.is_active`,
		s.ID, s.Name, s.BaseURL, s.Username, s.Password, s.IsActive, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save server: %w", err)
	}

	return tx.Commit()
}

// Activate makes id the only active server.
func (r *ServerRepository) Activate(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `UPDATE servers SET is_active = 0 WHERE is_active = 1`); err != nil {
		return fmt.Errorf("failed to deactivate servers: %w", err)
	}

	res, err := tx.ExecContext(ctx, `UPDATE servers SET is_active = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to activate server: %w", err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return storage.ErrNotFound
	}

	return tx.Commit()
}

func (r *ServerRepository) List(ctx context.Context) ([]storage.Server, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, base_url, username, password, is_active, created_at
		FROM servers ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var servers []storage.Server

	for rows.Next() {
		var s storage.Server
		if err := rows.Scan(&s.ID, &s.Name, &s.BaseURL, &s.Username, &s.Password, &s.IsActive, &s.CreatedAt); err != nil {
			return nil, err
		}

		servers = append(servers, s)
	}

	return servers, rows.Err()
}
