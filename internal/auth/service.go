package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"skypost/internal/model"
	"skypost/internal/validate"
	"skypost/pkg/rbac"
)

var (
	ErrEmailTaken         = errors.New("email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserInactive       = errors.New("user inactive")
)

const (
	MinPasswordLength = 8
	MaxBioLength      = 500
	MaxPictureLength  = 500
)

// UserRepository is implemented by repository.UserRepository.
type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int) (*model.User, error)
	CreateUser(ctx context.Context, u *model.User) error
	UpdateLastLogin(ctx context.Context, userID int, at time.Time) error
	UpdateProfile(ctx context.Context, u *model.User) error
	UpdatePassword(ctx context.Context, userID int, hash string) error
}

type RegisterRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// ProfileUpdate carries only the fields the client sent.
type ProfileUpdate struct {
	FirstName      *string `json:"first_name"`
	LastName       *string `json:"last_name"`
	Bio            *string `json:"bio"`
	ProfilePicture *string `json:"profile_picture"`
}

type Service struct {
	users  UserRepository
	tokens *JWT
	logger *zap.Logger
}

func NewService(users UserRepository, tokens *JWT, logger *zap.Logger) *Service {
	return &Service{users: users, tokens: tokens, logger: logger}
}

// Register creates a new active user.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*model.User, error) {
	email := model.NormalizeEmail(req.Email)
	if err := validate.Email("email", email); err != nil {
		return nil, err
	}
	if err := validate.MinLength("password", req.Password, MinPasswordLength); err != nil {
		return nil, err
	}
	if err := validate.MinLength("first_name", req.FirstName, 2); err != nil {
		return nil, err
	}
	if err := validate.MinLength("last_name", req.LastName, 2); err != nil {
		return nil, err
	}

	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if existing != nil {
		return nil, ErrEmailTaken
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &model.User{
		Email:        email,
		PasswordHash: hash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Role:         rbac.RoleUser,
		IsActive:     true,
		CreatedAt:    time.Now(),
	}
	if err := s.users.CreateUser(ctx, u); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.logger.Info("User registered", zap.Int("user_id", u.ID))
	return u, nil
}

// Login checks user credentials and returns a token.
func (s *Service) Login(ctx context.Context, email, password string) (string, *model.User, error) {
	u, err := s.users.FindByEmail(ctx, model.NormalizeEmail(email))
	if err != nil {
		return "", nil, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil || !CheckPassword(password, u.PasswordHash) {
		return "", nil, ErrInvalidCredentials
	}
	if !u.IsActive {
		return "", nil, ErrUserInactive
	}

	token, err := s.tokens.MintToken(u.ID, u.Email)
	if err != nil {
		return "", nil, fmt.Errorf("mint token: %w", err)
	}

	now := time.Now()
	if err := s.users.UpdateLastLogin(ctx, u.ID, now); err != nil {
		s.logger.Warn("Failed to update last login", zap.Int("user_id", u.ID), zap.Error(err))
	} else {
		u.LastLogin = &now
	}

	return token, u, nil
}

// Token mints a fresh access token, used right after registration.
func (s *Service) Token(u *model.User) (string, error) {
	return s.tokens.MintToken(u.ID, u.Email)
}

// UpdateProfile applies the non-nil fields of p. Names are trimmed.
func (s *Service) UpdateProfile(ctx context.Context, userID int, p ProfileUpdate) (*model.User, error) {
	if p.FirstName == nil && p.LastName == nil && p.Bio == nil && p.ProfilePicture == nil {
		return nil, validate.Fail("profile", "no valid fields to update")
	}

	u, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if p.FirstName != nil {
		if err := validate.MinLength("first_name", *p.FirstName, 2); err != nil {
			return nil, err
		}
		u.FirstName = strings.TrimSpace(*p.FirstName)
	}
	if p.LastName != nil {
		if err := validate.MinLength("last_name", *p.LastName, 2); err != nil {
			return nil, err
		}
		u.LastName = strings.TrimSpace(*p.LastName)
	}
	if p.Bio != nil {
		if err := validate.MaxLength("bio", *p.Bio, MaxBioLength); err != nil {
			return nil, err
		}
		u.Bio = *p.Bio
	}
	if p.ProfilePicture != nil {
		if err := validate.MaxLength("profile_picture", *p.ProfilePicture, MaxPictureLength); err != nil {
			return nil, err
		}
		u.ProfilePicture = *p.ProfilePicture
	}

	if err := s.users.UpdateProfile(ctx, u); err != nil {
		return nil, fmt.Errorf("update profile: %w", err)
	}
	s.logger.Info("Profile updated", zap.Int("user_id", u.ID))
	return u, nil
}

// ChangePassword requires the current password. Issued tokens stay valid until they expire.
func (s *Service) ChangePassword(ctx context.Context, userID int, current, next string) error {
	if current == "" || next == "" {
		return validate.Fail("password", "current password and new password are required")
	}

	u, err := s.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	if !CheckPassword(current, u.PasswordHash) {
		return validate.Fail("current_password", "current password is incorrect")
	}
	if err := validate.MinLength("new_password", next, MinPasswordLength); err != nil {
		return err
	}

	hash, err := HashPassword(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, u.ID, hash); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	s.logger.Info("Password changed", zap.Int("user_id", u.ID))
	return nil
}

func (s *Service) activeUser(ctx context.Context, userID int) (*model.User, error) {
	u, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if u == nil {
		return nil, ErrInvalidCredentials
	}
	if !u.IsActive {
		return nil, ErrUserInactive
	}
	return u, nil
}
