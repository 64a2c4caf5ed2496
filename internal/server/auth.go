package server

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/ehrlich-b/sling/internal/storage"
	"golang.org/x/crypto/sha3"
)

// ticketTTL bounds how long a websocket ticket stays redeemable. Tickets are
// minted immediately before dialing, so this only needs to cover the
// round-trip.
const ticketTTL = 60 * time.Second

type contextKey string

const usernameKey contextKey = "username"

// UsernameFromContext returns the authenticated username, or "" when the
// request was not authenticated.
func UsernameFromContext(ctx context.Context) string {
	username, _ := ctx.Value(usernameKey).(string)
	return username
}

// HashToken returns the SHA3-256 hex digest under which a token secret is
// stored and looked up.
func HashToken(secret string) string {
	hasher := sha3.New256()
	hasher.Write([]byte(secret))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Authenticator resolves bearer tokens to usernames and mints short-lived
// websocket tickets.
type Authenticator struct {
	storage        storage.Storage
	jwtSecret      []byte
	allowAnonymous bool
	log            *slog.Logger
}

// NewAuthenticator creates an authenticator. When allowAnonymous is set,
// requests without a token act as user "anonymous"; meant for development
// and tests only.
func NewAuthenticator(store storage.Storage, jwtSecret []byte, allowAnonymous bool, log *slog.Logger) *Authenticator {
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{
		storage:        store,
		jwtSecret:      jwtSecret,
		allowAnonymous: allowAnonymous,
		log:            log,
	}
}

// Middleware authenticates the request and stores the username in the
// request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, err := a.authenticate(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), usernameKey, username)))
	})
}

func (a *Authenticator) authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if a.allowAnonymous {
			return "anonymous", nil
		}
		return "", fmt.Errorf("missing authorization header")
	}

	secret, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", fmt.Errorf("malformed authorization header")
	}

	token, err := a.storage.GetTokenByHash(r.Context(), HashToken(secret))
	if err != nil {
		return "", fmt.Errorf("unknown token")
	}
	return token.Username, nil
}

// ticketClaims is the JWT payload for one websocket subscription.
type ticketClaims struct {
	Group string `json:"group"`
	jwt.RegisteredClaims
}

// IssueTicket mints a ticket entitling username to subscribe to group.
func (a *Authenticator) IssueTicket(username, group string) (string, error) {
	claims := ticketClaims{
		Group: group,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ticketTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.jwtSecret)
}

// ValidateTicket verifies a ticket and returns its username and group.
func (a *Authenticator) ValidateTicket(ticket string) (username, group string, err error) {
	claims := &ticketClaims{}
	token, err := jwt.ParseWithClaims(ticket, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("parse ticket: %w", err)
	}
	if !token.Valid {
		return "", "", fmt.Errorf("invalid ticket")
	}
	return claims.Subject, claims.Group, nil
}
