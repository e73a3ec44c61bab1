// Package auth provides authentication and authorization for the hub.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/relayhub-ai/relayhub/internal/config"
	"github.com/relayhub-ai/relayhub/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = errors.New("user already exists")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the JWT token claims.
type Claims struct {
	UserID    string `json:"uid"`
	Username  string `json:"usr"`
	Role      string `json:"role"`
	Namespace string `json:"ns"`
	jwt.RegisteredClaims
}

// Service handles authentication operations.
// It implements Provider, LoginProvider, and RunnerAuthProvider.
type Service struct {
	store               store.Store
	jwtSecret           []byte
	jwtExpiry           time.Duration
	runnerTokens        map[string]string // static token -> namespace
	runnerTokenSecret   string            // HMAC secret for time-limited tokens
	runnerTokenLifetime time.Duration
	initialAdmin        *config.InitialAdmin
}

// NewService creates a new auth service.
func NewService(s store.Store, cfg config.AuthConfig) *Service {
	tokens := make(map[string]string)
	for _, rt := range cfg.RunnerTokens {
		tokens[rt.Token] = rt.Namespace
	}

	return &Service{
		store:               s,
		jwtSecret:           []byte(cfg.JWTSecret),
		jwtExpiry:           cfg.JWTExpiry.Duration,
		runnerTokens:        tokens,
		runnerTokenSecret:   cfg.RunnerTokenSecret,
		runnerTokenLifetime: cfg.RunnerTokenLifetime.Duration,
		initialAdmin:        cfg.InitialAdmin,
	}
}

// RunnerTokenSecret returns the HMAC secret for time-limited runner tokens.
func (s *Service) RunnerTokenSecret() string {
	return s.runnerTokenSecret
}

// RunnerTokenLifetime returns the lifetime for generated runner tokens.
func (s *Service) RunnerTokenLifetime() time.Duration {
	return s.runnerTokenLifetime
}

// GenerateRunnerToken creates a time-limited HMAC token bound to a namespace.
// Token format: {namespace}:{timestamp}:{hmac-sha256(namespace+timestamp, secret)}
func (s *Service) GenerateRunnerToken(namespace string) string {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.runnerTokenSecret))
	mac.Write([]byte(namespace + ":" + ts))
	sig := hex.EncodeToString(mac.Sum(nil))
	return namespace + ":" + ts + ":" + sig
}

// ValidateTimeLimitedToken verifies an HMAC runner token and returns its namespace.
func (s *Service) ValidateTimeLimitedToken(token string) (string, error) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 {
		return "", errors.New("invalid token format")
	}

	namespace, tsStr, sig := parts[0], parts[1], parts[2]

	mac := hmac.New(sha256.New, []byte(s.runnerTokenSecret))
	mac.Write([]byte(namespace + ":" + tsStr))
	expectedSig := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(expectedSig)) {
		return "", errors.New("invalid token signature")
	}

	ts, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return "", errors.New("invalid token timestamp")
	}

	age := time.Since(time.Unix(ts, 0))
	if age > s.runnerTokenLifetime {
		return "", errors.New("token expired")
	}
	if age < -1*time.Minute {
		return "", errors.New("token from the future")
	}

	return namespace, nil
}

// ValidateRunnerToken resolves a runner token (static or time-limited) to its
// namespace.
func (s *Service) ValidateRunnerToken(token string) (string, bool) {
	if ns, ok := s.runnerTokens[token]; ok {
		return ns, true
	}
	if s.runnerTokenSecret != "" {
		if ns, err := s.ValidateTimeLimitedToken(token); err == nil {
			return ns, true
		}
	}
	return "", false
}

// Bootstrap creates the initial admin user if configured and not yet present.
// This implements the Provider interface.
func (s *Service) Bootstrap(ctx context.Context) error {
	admin := s.initialAdmin
	if admin == nil {
		return nil
	}

	existing, err := s.store.GetUser(ctx, "default", admin.Username)
	if err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(admin.Password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Namespace:    "default",
		Username:     admin.Username,
		PasswordHash: string(hash),
		Role:         "admin",
		CreatedAt:    time.Now(),
	}

	return s.store.CreateUser(ctx, user)
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// Login authenticates a user and returns a JWT token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUser(ctx, "default", username)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return "", ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.generateToken(user)
}

// Register creates a new user account.
func (s *Service) Register(ctx context.Context, username, password, role string) error {
	existing, err := s.store.GetUser(ctx, "default", username)
	if err != nil {
		return fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return ErrUserExists
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if role == "" {
		role = "user"
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Namespace:    "default",
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    time.Now(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// ValidateToken validates a bearer token and returns an Identity.
// This implements the Provider interface.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	namespace := claims.Namespace
	if namespace == "" {
		namespace = "default"
	}
	return &Identity{
		UserID:    claims.UserID,
		Username:  claims.Username,
		Role:      claims.Role,
		Namespace: namespace,
	}, nil
}

func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return claims, nil
}

func (s *Service) generateToken(user *store.User) (string, error) {
	claims := &Claims{
		UserID:    user.ID,
		Username:  user.Username,
		Role:      user.Role,
		Namespace: user.Namespace,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}
