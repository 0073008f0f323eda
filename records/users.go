package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"blockorgan-notifier/pkg/matching"
	"blockorgan-notifier/storage"
)

// Users stores public account records keyed by uid.
type Users struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewUsers creates an account store.
func NewUsers(store storage.Store, logger *slog.Logger) *Users {
	return &Users{store: store, logger: logger, now: time.Now}
}

// Register creates the account for uid, or merges the new email and role
// into an existing one. The original createdAt survives re-registration.
func (u *Users) Register(ctx context.Context, uid, email string, role matching.Role) error {
	if !role.ValidAccount() {
		return fmt.Errorf("invalid role %q", role)
	}
	now := u.now().UTC()

	doc, err := storage.Encode(matching.User{
		UID:       uid,
		Email:     email,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return err
	}

	err = u.store.Create(ctx, UsersCollection, uid, doc)
	if err == nil {
		u.logger.Info("User registered", "uid", uid, "role", role)
		return nil
	}
	if !errors.Is(err, storage.ErrExists) {
		return fmt.Errorf("create user %s: %w", uid, err)
	}

	if err := u.store.Merge(ctx, UsersCollection, uid, storage.Document{
		"uid":       uid,
		"email":     email,
		"role":      role,
		"updatedAt": now,
	}); err != nil {
		return fmt.Errorf("update user %s: %w", uid, err)
	}
	u.logger.Info("User re-registered", "uid", uid, "role", role)
	return nil
}

// Get loads the account for uid.
func (u *Users) Get(ctx context.Context, uid string) (*matching.User, error) {
	doc, err := u.store.Get(ctx, UsersCollection, uid)
	if storage.IsNotFound(err) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", uid, err)
	}
	var user matching.User
	if err := storage.Decode(doc, &user); err != nil {
		return nil, err
	}
	if user.UID == "" {
		user.UID = uid
	}
	return &user, nil
}
