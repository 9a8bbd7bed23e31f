package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// store is what the service needs from the persistence layer. Narrowed to an
// interface so tests can run against an in-memory fake.
type store interface {
	CreateUser(ctx context.Context, u *User) (*User, error)
	GetUserByLogin(ctx context.Context, login string) (*User, error)
}

type Service struct {
	repo      store
	jwtSecret string
	tokenTTL  time.Duration
	validate  *validator.Validate
}

type Claims struct {
	Login string `json:"login"`
	jwt.RegisteredClaims
}

func NewService(repo store, secret string, tokenTTL time.Duration) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		tokenTTL:  tokenTTL,
		validate:  validator.New(),
	}
}

// Register validates the request, hashes the password, and persists the new
// identity. Returns ErrLoginTaken when the login already exists.
func (s *Service) Register(ctx context.Context, req RegisterRequest) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("invalid registration: %w", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	u := &User{
		Login:       req.Login,
		DisplayName: req.DisplayName,
		Password:    string(hashed),
	}

	_, err = s.repo.CreateUser(ctx, u)
	return err
}

// Authenticate verifies a (login, password) pair. A bad pair is (false, nil);
// an error means the credential backend failed.
func (s *Service) Authenticate(ctx context.Context, login, password string) (bool, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, ErrUnknownLogin) {
			return false, nil
		}
		return false, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

// Login authenticates and issues a signed token for the REST surface.
func (s *Service) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByLogin(ctx, req.Login)
	if err != nil {
		if errors.Is(err, ErrUnknownLogin) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Login: u.Login,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "go-relay",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken: ss,
		Login:       u.Login,
		DisplayName: u.DisplayName,
	}, nil
}

// ValidateToken returns the login a token was issued for.
func (s *Service) ValidateToken(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", jwt.ErrSignatureInvalid
	}

	return claims.Login, nil
}
