package collaboration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProjectTransitions(t *testing.T) {
	tests := []struct {
		from ProjectStatus
		to   ProjectStatus
		want bool
	}{
		{ProjectStatusPlanning, ProjectStatusActive, true},
		{ProjectStatusPlanning, ProjectStatusCancelled, true},
		{ProjectStatusPlanning, ProjectStatusCompleted, false},
		{ProjectStatusPlanning, ProjectStatusOnHold, false},

		{ProjectStatusActive, ProjectStatusOnHold, true},
		{ProjectStatusActive, ProjectStatusCompleted, true},
		{ProjectStatusActive, ProjectStatusCancelled, true},
		{ProjectStatusActive, ProjectStatusPlanning, false},

		{ProjectStatusOnHold, ProjectStatusActive, true},
		{ProjectStatusOnHold, ProjectStatusCancelled, true},
		{ProjectStatusOnHold, ProjectStatusCompleted, false},

		// Terminal states.
		{ProjectStatusCompleted, ProjectStatusActive, false},
		{ProjectStatusCompleted, ProjectStatusCancelled, false},
		{ProjectStatusCancelled, ProjectStatusActive, false},
		{ProjectStatusCancelled, ProjectStatusPlanning, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to),
			"project %s -> %s", tt.from, tt.to)
	}
}

func TestInvitationTransitions(t *testing.T) {
	terminal := []InvitationStatus{
		InvitationStatusAccepted,
		InvitationStatusDeclined,
		InvitationStatusCancelled,
		InvitationStatusExpired,
	}

	for _, to := range terminal {
		assert.True(t, InvitationStatusPending.CanTransitionTo(to), "pending -> %s", to)
	}

	for _, from := range terminal {
		for _, to := range append(terminal, InvitationStatusPending) {
			assert.False(t, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestMemberTransitions(t *testing.T) {
	assert.True(t, MemberStatusActive.CanTransitionTo(MemberStatusRemoved))
	assert.False(t, MemberStatusRemoved.CanTransitionTo(MemberStatusActive))
	assert.False(t, MemberStatusActive.CanTransitionTo(MemberStatusActive))
}

func TestTransitionHelpers(t *testing.T) {
	t.Run("valid transition applies", func(t *testing.T) {
		p := &Project{Status: ProjectStatusPlanning}
		assert.NoError(t, transitionProject(p, ProjectStatusActive))
		assert.Equal(t, ProjectStatusActive, p.Status)
	})

	t.Run("invalid transition leaves state untouched", func(t *testing.T) {
		p := &Project{Status: ProjectStatusCompleted}
		err := transitionProject(p, ProjectStatusActive)
		assert.ErrorIs(t, err, ErrInvalidStateTransition)
		assert.Equal(t, ProjectStatusCompleted, p.Status)
	})

	t.Run("invitation helper", func(t *testing.T) {
		i := &TeamInvitation{Status: InvitationStatusPending}
		assert.NoError(t, transitionInvitation(i, InvitationStatusAccepted))
		assert.ErrorIs(t, transitionInvitation(i, InvitationStatusDeclined), ErrInvalidStateTransition)
	})

	t.Run("member helper", func(t *testing.T) {
		m := &TeamMember{Status: MemberStatusRemoved}
		assert.ErrorIs(t, transitionMember(m, MemberStatusRemoved), ErrInvalidStateTransition)
	})
}

func TestProjectStatusIsValid(t *testing.T) {
	for _, s := range []ProjectStatus{
		ProjectStatusPlanning, ProjectStatusActive, ProjectStatusOnHold,
		ProjectStatusCompleted, ProjectStatusCancelled,
	} {
		assert.True(t, s.IsValid(), "status %s", s)
	}
	assert.False(t, ProjectStatus("archived").IsValid())
}

func TestAllowedProjectTransitions(t *testing.T) {
	allowed := AllowedProjectTransitions(ProjectStatusPlanning)
	assert.ElementsMatch(t, []ProjectStatus{ProjectStatusActive, ProjectStatusCancelled}, allowed)

	// The returned slice is a copy.
	allowed[0] = ProjectStatusCompleted
	assert.True(t, ProjectStatusPlanning.CanTransitionTo(ProjectStatusActive))

	assert.Empty(t, AllowedProjectTransitions(ProjectStatusCompleted))
}
