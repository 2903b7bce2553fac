package internal

import "time"

type Role string

const (
	RoleAttendee Role = "attendee"
	RoleSpeaker  Role = "speaker"
)

// UserProfile is owned by the authentication collaborator and read from the attendees table.
// The sync layer never writes it.
type UserProfile struct {
	ID         string   `json:"id" db:"id"`
	Name       string   `json:"name" db:"name"`
	Email      string   `json:"email,omitempty" db:"email"`
	Role       Role     `json:"role" db:"role"`
	Interests  []string `json:"interests,omitempty"`
	Avatar     string   `json:"avatar,omitempty" db:"avatar"`
	Occupation string   `json:"occupation,omitempty" db:"occupation"`
	Company    string   `json:"company,omitempty" db:"company"`
}

// Session is immutable once cached. A full resync replaces the cached list wholesale.
type Session struct {
	ID          string     `json:"id" yaml:"id"`
	Title       string     `json:"title" yaml:"title"`
	StartTime   *time.Time `json:"start_time" yaml:"start_time"`
	Description string     `json:"description" yaml:"description"`
	Room        string     `json:"room" yaml:"room"`
	Speaker     string     `json:"speaker" yaml:"speaker"`
}

type FavoriteMark struct {
	UserID    string `json:"user_id" db:"user_id"`
	SessionID string `json:"session_id" db:"session_id"`
}

// Connection is a scanned peer profile stored in the owning user's local network list.
type Connection struct {
	ID         string    `json:"id,omitempty"`
	Email      string    `json:"email,omitempty"`
	Name       string    `json:"name,omitempty"`
	Occupation string    `json:"occupation,omitempty"`
	Company    string    `json:"company,omitempty"`
	Avatar     string    `json:"avatar,omitempty"`
	Role       string    `json:"role,omitempty"`
	Socials    []string  `json:"socials,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
}

// IdentityKey is the id if present, else the email. Empty means the peer cannot be deduplicated.
func (c Connection) IdentityKey() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Email
}
