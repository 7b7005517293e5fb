package auth

import "time"

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User is the domain representation of an authenticated user. Any user may
// act as buyer or seller; admin is the only privileged role.
// It mirrors the users table and carries no JSON annotations so it can be
// reused by different presentation layers.
type User struct {
	ID               string
	Email            string
	FullName         string
	PasswordHash     string
	Role             Role
	PayoutAccountRef *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Actor is the identity attached to every core operation after token
// verification. Authorization decisions go through its predicates instead of
// ad-hoc role checks in handlers.
type Actor struct {
	ID   string
	Role Role
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Is reports whether the actor is the given user.
func (a Actor) Is(userID string) bool {
	return a.ID != "" && a.ID == userID
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
