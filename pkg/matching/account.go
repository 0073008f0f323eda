package matching

import "time"

// MaxUIDLength bounds account uids so a match id built from two of them
// remains a valid storage key.
const MaxUIDLength = 256

// User is the public account record written at sign-up.
type User struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	UID       string    `json:"uid"`
	Email     string    `json:"email"`
	Role      Role      `json:"role"`
}

// ContactMessage is a message submitted through the contact form.
type ContactMessage struct {
	CreatedAt time.Time `json:"createdAt"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Subject   string    `json:"subject"`
	Message   string    `json:"message"`
}
