// Package matching contains the core domain types for the donor/recipient matching service.
package matching

import "time"

// MatchStatus is the lifecycle state of a match record.
type MatchStatus string

const (
	StatusPending  MatchStatus = "pending"
	StatusNotified MatchStatus = "notified"
	StatusBlocked  MatchStatus = "blocked"
	StatusIgnored  MatchStatus = "ignored"
)

// Active reports whether the match should still be shown to its parties.
func (s MatchStatus) Active() bool {
	return s == StatusPending || s == StatusNotified
}

// Role identifies which side of a match an email or token belongs to.
type Role string

const (
	RoleDonor     Role = "donor"
	RoleRecipient Role = "recipient"
	RoleAdmin     Role = "admin" // Account role only, never a party to a match
)

// Valid reports whether r is a side of a match.
func (r Role) Valid() bool {
	return r == RoleDonor || r == RoleRecipient
}

// ValidAccount reports whether r can be assigned to a user account.
func (r Role) ValidAccount() bool {
	return r.Valid() || r == RoleAdmin
}

// EmailType distinguishes the first notification from later reminders.
type EmailType string

const (
	EmailInitial  EmailType = "initial"
	EmailReminder EmailType = "reminder"
)

// LogStatus is the state of a single email log entry.
type LogStatus string

const (
	LogSent    LogStatus = "sent"
	LogFailed  LogStatus = "failed"
	LogBlocked LogStatus = "blocked"
	LogIgnored LogStatus = "ignored"
	LogRemind  LogStatus = "remind"
)

// Action is a decision a recipient of a match email can take via its links.
type Action string

const (
	ActionBlock  Action = "block"
	ActionRemind Action = "remind"
	ActionIgnore Action = "ignore"
)

// Actions lists every decision action in the order links are shown.
var Actions = []Action{ActionBlock, ActionRemind, ActionIgnore}

// matchIDSeparator joins the donor and recipient uids of a match id.
const matchIDSeparator = "__"

// MatchID returns the deterministic id of the (donor, recipient) pair.
func MatchID(donorUID, recipientUID string) string {
	return donorUID + matchIDSeparator + recipientUID
}

// Donor is the public projection of a donor profile.
type Donor struct {
	UID         string   `json:"uid"`
	Email       string   `json:"email"`
	BloodType   string   `json:"bloodType"`
	Organs      []string `json:"organs"`
	DateOfBirth string   `json:"dateOfBirth"` // Free-form date, parsed leniently when scoring
}

// Recipient is the public projection of a recipient profile.
type Recipient struct {
	UID         string `json:"uid"`
	Email       string `json:"email"`
	BloodType   string `json:"bloodType"`
	OrganNeeded string `json:"organNeeded"`
	DateOfBirth string `json:"dateOfBirth"`
}

// SuppressedBy records which parties asked to stop emails for a match.
type SuppressedBy struct {
	Donor     bool `json:"donor,omitempty"`
	Recipient bool `json:"recipient,omitempty"`
}

// Match is a scored (donor, recipient) pair.
type Match struct {
	LastEmailSentAt *time.Time   `json:"lastEmailSentAt,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	ID              string       `json:"id"`
	DonorUID        string       `json:"donorUid"`
	RecipientUID    string       `json:"recipientUid"`
	Status          MatchStatus  `json:"status"`
	SuppressedBy    SuppressedBy `json:"suppressedBy"`
	Score           float64      `json:"score"`
	Suppressed      bool         `json:"suppressed"`
}

// EmailLog records one outbound email attempt. Its token is the bearer
// credential for the decision links in that email.
type EmailLog struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Token     string    `json:"token"`
	MatchID   string    `json:"matchId"`
	To        string    `json:"to"`
	Role      Role      `json:"role"`
	Type      EmailType `json:"type"`
	Status    LogStatus `json:"status"`
	Error     string    `json:"error,omitempty"` // Send failure, only set when Status is failed
}
