// Package records persists matches, email logs, accounts, contact messages
// and public profile projections on top of a storage.Store.
package records

import "errors"

// Collection names.
const (
	MatchesCollection    = "matches"
	EmailLogsCollection  = "emailLogs"
	DonorsCollection     = "donorsPublic"
	RecipientsCollection = "recipientsPublic"
	UsersCollection      = "usersPublic"
	ContactsCollection   = "contactMessages"
)

var (
	// ErrMatchNotFound is returned when a match record does not exist.
	ErrMatchNotFound = errors.New("match not found")
	// ErrTokenNotFound is returned when no email log exists for a token.
	ErrTokenNotFound = errors.New("token not found")
	// ErrProfileNotFound is returned when a public profile does not exist.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrUserNotFound is returned when no account record exists for a uid.
	ErrUserNotFound = errors.New("user not found")
)
