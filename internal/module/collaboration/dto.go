package collaboration

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Actor identifies the authenticated user performing an operation. The
// platform role, when administrative, overrides team-level authorization.
type Actor struct {
	UserID        string
	Email         string
	DisplayName   string
	PlatformRole  PlatformRole
	EmailVerified bool
}

// CreateTeamRequest represents a request to create a team.
type CreateTeamRequest struct {
	Name        string     `json:"name" binding:"required,min=1,max=100"`
	Description string     `json:"description" binding:"max=500"`
	Visibility  Visibility `json:"visibility" binding:"omitempty,oneof=public private"`
	MaxMembers  int        `json:"max_members" binding:"omitempty,min=1,max=500"`
}

// UpdateTeamRequest represents a partial team update.
type UpdateTeamRequest struct {
	Name        *string     `json:"name" binding:"omitempty,min=1,max=100"`
	Description *string     `json:"description" binding:"omitempty,max=500"`
	Visibility  *Visibility `json:"visibility" binding:"omitempty,oneof=public private"`
	MaxMembers  *int        `json:"max_members" binding:"omitempty,min=1,max=500"`
	Status      *TeamStatus `json:"status" binding:"omitempty,oneof=active archived"`
}

// AddMemberRequest represents a request to add a member directly.
type AddMemberRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Role        Role   `json:"role" binding:"required,oneof=admin manager member guest"`
	DisplayName string `json:"display_name" binding:"max=100"`
	Email       string `json:"email" binding:"omitempty,email"`
}

// CreateInvitationRequest represents a request to invite a user by email.
type CreateInvitationRequest struct {
	TeamID               string `json:"team_id"`
	Email                string `json:"email" binding:"required,email"`
	Role                 Role   `json:"role" binding:"required,oneof=admin manager member guest"`
	RequiresVerification bool   `json:"requires_verification"`
	VerificationCode     string `json:"verification_code" binding:"omitempty,min=4,max=32"`
}

// CreateProjectRequest represents a request to create a project.
type CreateProjectRequest struct {
	TeamID         string          `json:"team_id"`
	Name           string          `json:"name" binding:"required,min=1,max=200"`
	Description    string          `json:"description" binding:"max=2000"`
	Priority       ProjectPriority `json:"priority" binding:"omitempty,oneof=low medium high urgent"`
	Type           string          `json:"type" binding:"max=50"`
	ProjectManager string          `json:"project_manager"`
	StartDate      *time.Time      `json:"start_date"`
	EndDate        *time.Time      `json:"end_date"`
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks basic email shape.
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return fmt.Errorf("%w: %q", ErrInvalidEmail, email)
	}
	return nil
}
