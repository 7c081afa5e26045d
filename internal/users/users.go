// Package users keeps the registry of chat users: their handle, their
// language, and the link between a handle and trades sent to it before the
// user ever contacted the bot.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/escrowbot/internal/syncutil"
	"github.com/mbd888/escrowbot/internal/validation"
)

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrInvalidUser    = errors.New("user id must be positive")
	ErrInvalidHandle  = errors.New("invalid handle")
	ErrInvalidLocale  = errors.New("unsupported locale")
	ErrHandleConflict = errors.New("handle is held by another user")
)

// DefaultLocale is assigned to users on creation unless they send another.
const DefaultLocale = "en"

// SupportedLocales are the languages the bot speaks.
var SupportedLocales = []string{"en", "es", "fr", "de", "ru", "zh"}

// User is a chat user. Handles are stored without the leading @.
type User struct {
	ID        int64     `json:"id"`
	Handle    string    `json:"handle,omitempty"`
	Locale    string    `json:"locale"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Contact is what the chat layer knows about a user on each interaction.
type Contact struct {
	ID     int64  `json:"id" binding:"required"`
	Handle string `json:"handle"`
	Locale string `json:"locale"`
}

// TouchResult reports the effect of a contact.
type TouchResult struct {
	User    *User `json:"user"`
	Created bool  `json:"created"`
	Linked  int   `json:"linkedTransactions"`
}

// Store persists users.
type Store interface {
	// Upsert creates the user or updates the handle of an existing one. A
	// handle held by another user is cleared from that user first. Locale is
	// only applied on creation.
	Upsert(ctx context.Context, c Contact) (u *User, created bool, err error)
	Get(ctx context.Context, id int64) (*User, error)
	GetByHandle(ctx context.Context, handle string) (*User, error)
	SetLocale(ctx context.Context, id int64, locale string) error
}

// RecipientLinker attaches trades addressed to a handle to the user who now
// holds it. Returns the number of trades linked.
type RecipientLinker interface {
	LinkRecipient(ctx context.Context, userID int64, handle string) (int, error)
}

// Registry manages users
type Registry struct {
	store  Store
	linker RecipientLinker
	locks  syncutil.ShardedMutex
	logger *slog.Logger
}

// NewRegistry creates a user registry
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// WithLinker enables recipient linking on Touch.
func (r *Registry) WithLinker(l RecipientLinker) *Registry {
	r.linker = l
	return r
}

// Touch records a contact and links any trades waiting for the user's handle.
// It is idempotent and meant to run on every interaction; a linking failure
// is logged and retried on the next contact.
func (r *Registry) Touch(ctx context.Context, c Contact) (*TouchResult, error) {
	if c.ID <= 0 {
		return nil, ErrInvalidUser
	}
	c.Handle = validation.NormalizeHandle(c.Handle)
	if c.Handle != "" && !validation.IsValidHandle(c.Handle) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidHandle, c.Handle)
	}
	c.Locale = normalizeLocale(c.Locale)

	if c.Handle != "" {
		unlock := r.locks.Lock(strings.ToLower(c.Handle))
		defer unlock()
	}

	u, created, err := r.store.Upsert(ctx, c)
	if err != nil {
		return nil, err
	}
	result := &TouchResult{User: u, Created: created}
	if created {
		usersCreated.Inc()
	}

	if u.Handle != "" && r.linker != nil {
		n, err := r.linker.LinkRecipient(ctx, u.ID, u.Handle)
		result.Linked = n
		if err != nil {
			r.logger.Warn("recipient linking incomplete, will retry on next contact",
				"userId", u.ID, "handle", u.Handle, "linked", n, "error", err)
		} else if n > 0 {
			r.logger.Info("linked pending transactions to user",
				"userId", u.ID, "handle", u.Handle, "count", n)
		}
	}

	return result, nil
}

// Get returns a user by ID.
func (r *Registry) Get(ctx context.Context, id int64) (*User, error) {
	return r.store.Get(ctx, id)
}

// ByHandle returns the user currently holding handle (with or without @).
func (r *Registry) ByHandle(ctx context.Context, handle string) (*User, error) {
	handle = validation.NormalizeHandle(handle)
	if handle == "" {
		return nil, ErrUserNotFound
	}
	return r.store.GetByHandle(ctx, handle)
}

// SetLocale changes a user's language.
func (r *Registry) SetLocale(ctx context.Context, id int64, locale string) error {
	locale = strings.ToLower(strings.TrimSpace(locale))
	if !IsSupportedLocale(locale) {
		return fmt.Errorf("%w: %q", ErrInvalidLocale, locale)
	}
	return r.store.SetLocale(ctx, id, locale)
}

// IsSupportedLocale reports whether locale is one of SupportedLocales.
func IsSupportedLocale(locale string) bool {
	for _, l := range SupportedLocales {
		if l == locale {
			return true
		}
	}
	return false
}

// normalizeLocale maps a client language tag such as "es-MX" to a supported
// locale, falling back to DefaultLocale.
func normalizeLocale(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	if IsSupportedLocale(tag) {
		return tag
	}
	return DefaultLocale
}
