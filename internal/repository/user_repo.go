package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"skypost/internal/model"
	"skypost/pkg/otel"
)

type UserRepository struct {
	db *pgxpool.Pool
}

func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, email, password_hash, first_name, last_name, bio, profile_picture,
	role, is_active, is_verified, created_at, last_login`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Bio, &u.ProfilePicture,
		&u.Role, &u.IsActive, &u.IsVerified, &u.CreatedAt, &u.LastLogin,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// CreateUser inserts a new user and fills ID and CreatedAt.
func (r *UserRepository) CreateUser(ctx context.Context, u *model.User) error {
	query := `
        INSERT INTO users (email, password_hash, first_name, last_name, role, is_active, is_verified, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
        RETURNING id, created_at
    `
	return otel.Query(ctx, "INSERT", "users", query, func(ctx context.Context) error {
		return r.db.QueryRow(ctx, query,
			u.Email, u.PasswordHash, u.FirstName, u.LastName, u.Role, u.IsActive, u.IsVerified,
		).Scan(&u.ID, &u.CreatedAt)
	})
}

// GetUserByID returns (nil, nil) when the user does not exist.
func (r *UserRepository) GetUserByID(ctx context.Context, id int) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	var u *model.User
	err := otel.Query(ctx, "SELECT", "users", query, func(ctx context.Context) error {
		var err error
		u, err = scanUser(r.db.QueryRow(ctx, query, id))
		return err
	})
	return u, err
}

// GetUserByEmail 邮箱按小写存储
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`
	var u *model.User
	err := otel.Query(ctx, "SELECT", "users", query, func(ctx context.Context) error {
		var err error
		u, err = scanUser(r.db.QueryRow(ctx, query, model.NormalizeEmail(email)))
		return err
	})
	return u, err
}

// FindByEmail is the name the auth service uses.
func (r *UserRepository) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.GetUserByEmail(ctx, email)
}

func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID int, at time.Time) error {
	query := `UPDATE users SET last_login = $1 WHERE id = $2`
	return otel.Query(ctx, "UPDATE", "users", query, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query, at, userID)
		return err
	})
}

// UpdateProfile writes the editable profile columns of u.
func (r *UserRepository) UpdateProfile(ctx context.Context, u *model.User) error {
	query := `
        UPDATE users
        SET first_name = $1, last_name = $2, bio = $3, profile_picture = $4, updated_at = NOW()
        WHERE id = $5
    `
	return otel.Query(ctx, "UPDATE", "users", query, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query, u.FirstName, u.LastName, u.Bio, u.ProfilePicture, u.ID)
		return err
	})
}

func (r *UserRepository) UpdatePassword(ctx context.Context, userID int, hash string) error {
	query := `UPDATE users SET password_hash = $1, updated_at = NOW() WHERE id = $2`
	return otel.Query(ctx, "UPDATE", "users", query, func(ctx context.Context) error {
		_, err := r.db.Exec(ctx, query, hash, userID)
		return err
	})
}
