// Package identity resolves the caller of a request to a user row: a signed
// session token first, then the e-mail on the request, then a synthesized
// guest when guest checkout is on.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-pharmacy-orders/internal/cache"
	"github.com/ariefcatur/go-pharmacy-orders/internal/domain"
	"github.com/ariefcatur/go-pharmacy-orders/internal/retry"
	"github.com/ariefcatur/go-pharmacy-orders/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	RoleCustomer = "CUSTOMER"
	RoleAdmin    = "ADMIN"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)

type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Resolver struct {
	Store       store.Queries
	Retry       retry.Policy
	Secret      []byte
	AllowGuests bool
	// Admins caches role checks by user id.
	Admins *cache.TTL[string, bool]
	Now    func() time.Time
	NewID  func() string
}

func NewResolver(st store.Queries, p retry.Policy, secret string, allowGuests bool, adminTTL time.Duration) *Resolver {
	return &Resolver{
		Store:       st,
		Retry:       p,
		Secret:      []byte(secret),
		AllowGuests: allowGuests,
		Admins:      cache.New[string, bool](adminTTL, nil),
	}
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Resolver) newID() string {
	if r.NewID != nil {
		return r.NewID()
	}
	return uuid.NewString()
}

// Issue signs an HS256 session token for u.
func (r *Resolver) Issue(u *domain.User, ttl time.Duration) (string, error) {
	now := r.now()
	subject := u.ExternalID
	if subject == "" {
		subject = u.ID
	}
	claims := Claims{
		Email: u.Email,
		Name:  u.Name,
		Role:  u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.Secret)
}

// Parse validates the token signature and expiry.
func (r *Resolver) Parse(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return r.Secret, nil
	}, jwt.WithTimeFunc(r.now))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims, nil
}

// Resolve returns the calling user. A present but invalid token is an
// error even when guests are allowed.
func (r *Resolver) Resolve(ctx context.Context, token, email string) (*domain.User, error) {
	token = strings.TrimSpace(strings.TrimPrefix(token, "Bearer "))
	email = strings.ToLower(strings.TrimSpace(email))

	if token != "" {
		claims, err := r.Parse(token)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		return retry.Value(ctx, r.Retry.Named("resolve session user"), func(ctx context.Context) (*domain.User, error) {
			return r.sessionUser(ctx, claims)
		})
	}
	if email != "" {
		return retry.Value(ctx, r.Retry.Named("resolve user by email"), func(ctx context.Context) (*domain.User, error) {
			u, err := r.Store.GetUserByEmail(ctx, email)
			if err == nil {
				return u, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			if !r.AllowGuests {
				return nil, retry.Permanent(fmt.Errorf("%w: no user for %s", ErrUnauthenticated, email))
			}
			return r.insert(ctx, &domain.User{Email: email, Name: "Guest", Guest: true})
		})
	}
	if !r.AllowGuests {
		return nil, retry.Permanent(ErrUnauthenticated)
	}
	return retry.Value(ctx, r.Retry.Named("create guest user"), func(ctx context.Context) (*domain.User, error) {
		id := r.newID()
		return r.insert(ctx, &domain.User{ID: id, Email: "guest-" + id + "@guest.local", Name: "Guest", Guest: true})
	})
}

func (r *Resolver) sessionUser(ctx context.Context, c *Claims) (*domain.User, error) {
	u, err := r.Store.GetUserByExternalID(ctx, c.Subject)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if c.Email != "" {
		u, err := r.Store.GetUserByEmail(ctx, strings.ToLower(c.Email))
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	// The subject may be our own user id for tokens we issued.
	if u, err := r.Store.GetUser(ctx, c.Subject); err == nil {
		return u, nil
	}
	email := strings.ToLower(c.Email)
	if email == "" {
		email = c.Subject + "@users.local"
	}
	return r.insert(ctx, &domain.User{ExternalID: c.Subject, Email: email, Name: c.Name})
}

// insert creates u, or returns the row that won a concurrent insert of the
// same e-mail.
func (r *Resolver) insert(ctx context.Context, u *domain.User) (*domain.User, error) {
	if u.ID == "" {
		u.ID = r.newID()
	}
	if u.Role == "" {
		u.Role = RoleCustomer
	}
	u.CreatedAt = r.now()
	err := r.Store.InsertUser(ctx, u)
	if errors.Is(err, store.ErrConflict) {
		return r.Store.GetUserByEmail(ctx, u.Email)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// RequireAdmin returns ErrForbidden unless the user has the admin role.
// Results are cached per user id.
func (r *Resolver) RequireAdmin(ctx context.Context, userID string) error {
	if r.Admins != nil {
		if ok, hit := r.Admins.Get(userID); hit {
			return adminErr(ok)
		}
	}
	u, err := retry.Value(ctx, r.Retry.Named("load admin role"), func(ctx context.Context) (*domain.User, error) {
		u, err := r.Store.GetUser(ctx, userID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, retry.Permanent(err)
		}
		return u, err
	})
	if errors.Is(err, store.ErrNotFound) {
		return ErrForbidden
	}
	if err != nil {
		return err
	}
	ok := strings.EqualFold(u.Role, RoleAdmin)
	if r.Admins != nil {
		r.Admins.Set(userID, ok)
	}
	return adminErr(ok)
}

func adminErr(ok bool) error {
	if ok {
		return nil
	}
	return ErrForbidden
}
