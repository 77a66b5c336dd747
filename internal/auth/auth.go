package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/models"
)

var (
	// ErrInvalidCredentials is returned by Login for an unknown user or a wrong password
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrInvalidToken is returned for a token that is malformed, expired or badly signed
	ErrInvalidToken = errors.New("invalid token")
	// ErrInvalidInput is wrapped by Register when a field is missing or too long
	ErrInvalidInput = errors.New("invalid input")
)

const (
	// Username and email limits are in characters
	maxUsernameLen = 80
	maxEmailLen    = 120
	// bcrypt ignores input past 72 bytes
	maxPasswordBytes = 72
)

// UserStore is the persistence AuthService needs
type UserStore interface {
	CreateUser(ctx context.Context, username, email, passwordHash string, balance decimal.Decimal) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// AuthService handles user registration, login and token verification
type AuthService struct {
	users          UserStore
	secret         []byte
	ttl            time.Duration
	initialBalance decimal.Decimal
	cost           int
}

// NewAuthService creates a new auth service. Every registered user starts
// with initialBalance in cash.
func NewAuthService(users UserStore, secret string, ttl time.Duration, initialBalance decimal.Decimal) *AuthService {
	return &AuthService{
		users:          users,
		secret:         []byte(secret),
		ttl:            ttl,
		initialBalance: initialBalance,
		cost:           bcrypt.DefaultCost,
	}
}

// Register creates a new user with a hashed password and returns it with a
// fresh access token.
func (s *AuthService) Register(ctx context.Context, username, email, password string) (*models.User, string, error) {
	if username == "" || email == "" || password == "" {
		return nil, "", fmt.Errorf("%w: username, email and password are required", ErrInvalidInput)
	}
	if utf8.RuneCountInString(username) > maxUsernameLen {
		return nil, "", fmt.Errorf("%w: username too long (max %d characters)", ErrInvalidInput, maxUsernameLen)
	}
	if utf8.RuneCountInString(email) > maxEmailLen {
		return nil, "", fmt.Errorf("%w: email too long (max %d characters)", ErrInvalidInput, maxEmailLen)
	}
	if len(password) > maxPasswordBytes {
		return nil, "", fmt.Errorf("%w: password too long (max %d bytes)", ErrInvalidInput, maxPasswordBytes)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return nil, "", err
	}

	user, err := s.users.CreateUser(ctx, username, email, string(hashedPassword), s.initialBalance)
	if err != nil {
		return nil, "", err
	}

	token, err := s.IssueToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (*models.User, string, error) {
	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.IssueToken(user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// IssueToken signs an HS256 token whose subject is the user id
func (s *AuthService) IssueToken(userID int) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.Itoa(userID),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	return token.SignedString(s.secret)
}

// GetUserFromToken extracts the user id from a JWT
func (s *AuthService) GetUserFromToken(tokenString string) (int, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid || claims.ExpiresAt == nil {
		return 0, ErrInvalidToken
	}

	userID, err := strconv.Atoi(claims.Subject)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return userID, nil
}
