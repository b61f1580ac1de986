package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials signals wrong address or secret.
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	// ErrWeakSecret signals the secret does not meet requirements.
	ErrWeakSecret = errors.New("identity: secret must be at least 8 characters")
)

const tokenTTL = 24 * time.Hour

// Service handles account registration and bearer-token authentication.
type Service struct {
	repo      Repository
	jwtSecret []byte
}

func NewService(repo Repository, jwtSecret string) *Service {
	if repo == nil {
		repo = NewMemoryRepository()
	}
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
	}
}

// Register creates a new account with a hashed secret.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Account, error) {
	if len(req.Secret) < 8 {
		return nil, ErrWeakSecret
	}
	if req.Address == "" || req.DisplayName == "" {
		return nil, fmt.Errorf("identity: address and display_name are required")
	}

	secretHash, err := bcrypt.GenerateFromPassword([]byte(req.Secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("identity: hash secret: %w", err)
	}

	account, err := s.repo.CreateAccount(ctx, CreateAccountParams{
		Address:     req.Address,
		DisplayName: req.DisplayName,
		SecretHash:  string(secretHash),
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Login authenticates an account and returns a signed bearer token.
func (s *Service) Login(ctx context.Context, req LoginRequest) (string, error) {
	account, err := s.repo.GetAccount(ctx, req.Address)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.SecretHash), []byte(req.Secret)); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := s.generateToken(account.Address)
	if err != nil {
		return "", fmt.Errorf("identity: generate token: %w", err)
	}
	return token, nil
}

// Verify validates a bearer token and returns the acting address.
func (s *Service) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("identity: parse token: %w", err)
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		address, ok := claims["address"].(string)
		if !ok || address == "" {
			return "", fmt.Errorf("identity: invalid address in token")
		}
		return address, nil
	}
	return "", fmt.Errorf("identity: invalid token")
}

func (s *Service) generateToken(address string) (string, error) {
	claims := jwt.MapClaims{
		"address": address,
		"exp":     time.Now().Add(tokenTTL).Unix(),
		"iat":     time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
