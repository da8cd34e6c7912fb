package identity

import "time"

type Role string

const (
	RoleRequester Role = "requester"
	RoleFulfiller Role = "fulfiller"
	RoleAdmin     Role = "admin"
)

// User is the domain representation of an account. It mirrors the users table
// and carries no JSON annotations so it can be reused by any presentation
// layer.
type User struct {
	ID             string
	Email          string
	FullName       string
	PasswordHash   string
	Phone          *string
	Role           Role
	CompletionRate float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Identity is what the lifecycle engine consumes: the authenticated subject
// and its role, nothing more.
type Identity struct {
	SubjectID string
	Role      Role
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
