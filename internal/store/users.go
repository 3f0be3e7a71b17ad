package store

import (
	"context"

	"shop-core/internal/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	if err := s.get(ctx, &u, "user", id.String(), "SELECT * FROM users WHERE id = $1", id); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) ListActiveUsers(ctx context.Context) ([]models.User, error) {
	users := []models.User{}
	err := sqlx.SelectContext(ctx, s.q, &users, "SELECT * FROM users WHERE is_active ORDER BY created_at, id")
	return users, err
}
