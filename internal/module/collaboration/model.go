package collaboration

import (
	"time"

	"github.com/google/uuid"
)

// Collection names in the document store.
const (
	CollectionTeams           = "teams"
	CollectionTeamMembers     = "team_members"
	CollectionProjects        = "projects"
	CollectionProjectMembers  = "project_members"
	CollectionTeamInvitations = "team_invitations"

	// Append-only activity logs, written best-effort and never read back.
	CollectionTeamActivities       = "team_activities"
	CollectionProjectActivities    = "project_activities"
	CollectionInvitationActivities = "invitation_activities"
)

// TeamStatus represents the lifecycle state of a team.
type TeamStatus string

const (
	TeamStatusActive   TeamStatus = "active"
	TeamStatusArchived TeamStatus = "archived"
)

// Visibility represents team visibility.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// MemberStatus represents the lifecycle state of a team membership.
type MemberStatus string

const (
	MemberStatusActive  MemberStatus = "active"
	MemberStatusRemoved MemberStatus = "removed"
)

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectStatusPlanning  ProjectStatus = "planning"
	ProjectStatusActive    ProjectStatus = "active"
	ProjectStatusOnHold    ProjectStatus = "on_hold"
	ProjectStatusCompleted ProjectStatus = "completed"
	ProjectStatusCancelled ProjectStatus = "cancelled"
)

// ProjectPriority represents a project's priority.
type ProjectPriority string

const (
	PriorityLow    ProjectPriority = "low"
	PriorityMedium ProjectPriority = "medium"
	PriorityHigh   ProjectPriority = "high"
	PriorityUrgent ProjectPriority = "urgent"
)

// InvitationStatus represents the lifecycle state of an invitation.
type InvitationStatus string

const (
	InvitationStatusPending   InvitationStatus = "pending"
	InvitationStatusAccepted  InvitationStatus = "accepted"
	InvitationStatusDeclined  InvitationStatus = "declined"
	InvitationStatusCancelled InvitationStatus = "cancelled"
	InvitationStatusExpired   InvitationStatus = "expired"
)

// Team is a collaboration team.
type Team struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	CreatedBy   string     `json:"created_by"`
	Visibility  Visibility `json:"visibility"`
	MaxMembers  int        `json:"max_members"`
	// TotalMembers is a derived count of active memberships, recomputed
	// after every membership change.
	TotalMembers int        `json:"total_members"`
	Status       TeamStatus `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsActive returns true if the team accepts new members and invitations.
func (t *Team) IsActive() bool {
	return t.Status == TeamStatusActive
}

// HasCapacity returns true if n more members fit under the member limit.
func (t *Team) HasCapacity(n int) bool {
	return t.MaxMembers <= 0 || t.TotalMembers+n <= t.MaxMembers
}

// TeamMember is one user's membership in a team. At most one active record
// exists per (team, user).
type TeamMember struct {
	ID          string       `json:"id"`
	TeamID      string       `json:"team_id"`
	UserID      string       `json:"user_id"`
	Role        Role         `json:"role"`
	Status      MemberStatus `json:"status"`
	DisplayName string       `json:"display_name,omitempty"`
	Email       string       `json:"email,omitempty"`
	JoinedAt    time.Time    `json:"joined_at"`
	LeftAt      *time.Time   `json:"left_at,omitempty"`
}

// IsActive returns true if the membership is current.
func (m *TeamMember) IsActive() bool {
	return m.Status == MemberStatusActive
}

// Project is a team project.
type Project struct {
	ID          string          `json:"id"`
	TeamID      string          `json:"team_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Status      ProjectStatus   `json:"status"`
	Priority    ProjectPriority `json:"priority,omitempty"`
	Type        string          `json:"type,omitempty"`
	// ProjectManager is the user id of the manager.
	ProjectManager string `json:"project_manager,omitempty"`
	CreatedBy      string `json:"created_by"`
	// MemberIDs is a derived projection of active ProjectMember records.
	MemberIDs       []string   `json:"member_ids,omitempty"`
	StartDate       *time.Time `json:"start_date,omitempty"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	ActualStartDate *time.Time `json:"actual_start_date,omitempty"`
	ActualEndDate   *time.Time `json:"actual_end_date,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ProjectMember is one user's membership in a project.
type ProjectMember struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id"`
	UserID    string       `json:"user_id"`
	Role      string       `json:"role,omitempty"`
	Status    MemberStatus `json:"status"`
	JoinedAt  time.Time    `json:"joined_at"`
}

// TeamInvitation is an invitation to join a team by email. At most one
// pending invitation exists per (team, email).
type TeamInvitation struct {
	ID           string           `json:"id"`
	TeamID       string           `json:"team_id"`
	TeamName     string           `json:"team_name,omitempty"`
	InviterID    string           `json:"inviter_id"`
	InviteeEmail string           `json:"invitee_email"`
	ProposedRole Role             `json:"proposed_role"`
	Status       InvitationStatus `json:"status"`
	Token        string           `json:"token,omitempty"`
	ExpiresAt    time.Time        `json:"expires_at"`

	RequiresVerification bool   `json:"requires_verification,omitempty"`
	VerificationHash     string `json:"verification_hash,omitempty"`
	// VerificationCode carries the plaintext code in the create response
	// only. It is never persisted; only the bcrypt hash is stored.
	VerificationCode string `json:"verification_code,omitempty"`

	RemindersSent  int        `json:"reminders_sent"`
	LastReminderAt *time.Time `json:"last_reminder_at,omitempty"`

	// Reason is stamped on decline or cancellation.
	Reason      string     `json:"reason,omitempty"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsPending returns true if the invitation is still open.
func (i *TeamInvitation) IsPending() bool {
	return i.Status == InvitationStatusPending
}

// IsExpired returns true if the invitation deadline has passed.
func (i *TeamInvitation) IsExpired(now time.Time) bool {
	return now.After(i.ExpiresAt)
}

// CanSendReminder reports whether another reminder may go out: bounded by a
// total count and a minimum gap since the previous one.
func (i *TeamInvitation) CanSendReminder(now time.Time, maxReminders int, minGap time.Duration) bool {
	if !i.IsPending() || i.IsExpired(now) {
		return false
	}
	if i.RemindersSent >= maxReminders {
		return false
	}
	if i.LastReminderAt != nil && now.Sub(*i.LastReminderAt) < minGap {
		return false
	}
	return true
}

// NewID returns a new entity id.
func NewID() string {
	return uuid.NewString()
}
