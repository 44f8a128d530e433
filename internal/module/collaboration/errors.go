package collaboration

import "errors"

// Domain errors for the collaboration module. Every façade operation returns
// one of these (possibly wrapped) so callers can render the cause without
// inspecting anything else.
var (
	// Authentication / authorization
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrPermissionDenied       = errors.New("permission denied")

	// Validation
	ErrValidation   = errors.New("validation failed")
	ErrInvalidRole  = errors.New("invalid role")
	ErrInvalidEmail = errors.New("malformed email address")

	// Team errors
	ErrTeamNotFound       = errors.New("team not found")
	ErrTeamArchived       = errors.New("team is archived")
	ErrOnlyOwnerCanDelete = errors.New("only owner can delete team")

	// Member errors
	ErrMemberNotFound        = errors.New("member not found")
	ErrAlreadyMember         = errors.New("user is already a member")
	ErrCapacityExceeded      = errors.New("team member capacity exceeded")
	ErrCannotRemoveOwner     = errors.New("cannot remove team owner")
	ErrCannotChangeOwnerRole = errors.New("cannot change owner role")

	// Project errors
	ErrProjectNotFound = errors.New("project not found")

	// Invitation errors
	ErrInvitationNotFound   = errors.New("invitation not found")
	ErrDuplicateInvitation  = errors.New("invitation already pending for this email")
	ErrInvitationExpired    = errors.New("invitation has expired")
	ErrEmailMismatch        = errors.New("invitation is addressed to a different email")
	ErrEmailNotVerified     = errors.New("email address is not verified")
	ErrVerificationFailed   = errors.New("verification code mismatch")
	ErrReminderLimitReached = errors.New("reminder limit reached")

	// Lifecycle
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// Store
	ErrStoreFailure = errors.New("document store failure")
)
