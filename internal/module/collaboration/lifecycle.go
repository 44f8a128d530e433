package collaboration

import "fmt"

// The three lifecycle machines. Each declares an explicit graph of permitted
// transitions; anything not in the graph fails with ErrInvalidStateTransition.

// projectTransitions is the permitted-next-state graph for projects.
var projectTransitions = map[ProjectStatus][]ProjectStatus{
	ProjectStatusPlanning:  {ProjectStatusActive, ProjectStatusCancelled},
	ProjectStatusActive:    {ProjectStatusOnHold, ProjectStatusCompleted, ProjectStatusCancelled},
	ProjectStatusOnHold:    {ProjectStatusActive, ProjectStatusCancelled},
	ProjectStatusCompleted: {}, // terminal
	ProjectStatusCancelled: {}, // terminal
}

// invitationTransitions: pending is the only non-terminal state.
var invitationTransitions = map[InvitationStatus][]InvitationStatus{
	InvitationStatusPending: {
		InvitationStatusAccepted,
		InvitationStatusDeclined,
		InvitationStatusCancelled,
		InvitationStatusExpired,
	},
	InvitationStatusAccepted:  {},
	InvitationStatusDeclined:  {},
	InvitationStatusCancelled: {},
	InvitationStatusExpired:   {},
}

// memberTransitions: membership is created active and can only be removed.
var memberTransitions = map[MemberStatus][]MemberStatus{
	MemberStatusActive:  {MemberStatusRemoved},
	MemberStatusRemoved: {},
}

// CanTransitionTo checks the project lifecycle graph.
func (s ProjectStatus) CanTransitionTo(to ProjectStatus) bool {
	return contains(projectTransitions[s], to)
}

// CanTransitionTo checks the invitation lifecycle graph.
func (s InvitationStatus) CanTransitionTo(to InvitationStatus) bool {
	return contains(invitationTransitions[s], to)
}

// CanTransitionTo checks the membership lifecycle graph.
func (s MemberStatus) CanTransitionTo(to MemberStatus) bool {
	return contains(memberTransitions[s], to)
}

// IsValid checks whether the status is a known project state.
func (s ProjectStatus) IsValid() bool {
	_, ok := projectTransitions[s]
	return ok
}

// transitionProject validates and applies a project status change.
func transitionProject(p *Project, to ProjectStatus) error {
	if !p.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: project %s -> %s", ErrInvalidStateTransition, p.Status, to)
	}
	p.Status = to
	return nil
}

// transitionInvitation validates and applies an invitation status change.
func transitionInvitation(i *TeamInvitation, to InvitationStatus) error {
	if !i.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: invitation %s -> %s", ErrInvalidStateTransition, i.Status, to)
	}
	i.Status = to
	return nil
}

// transitionMember validates and applies a membership status change.
func transitionMember(m *TeamMember, to MemberStatus) error {
	if !m.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: member %s -> %s", ErrInvalidStateTransition, m.Status, to)
	}
	m.Status = to
	return nil
}

// AllowedProjectTransitions returns a copy of the permitted next states.
func AllowedProjectTransitions(from ProjectStatus) []ProjectStatus {
	allowed := projectTransitions[from]
	out := make([]ProjectStatus, len(allowed))
	copy(out, allowed)
	return out
}

func contains[S comparable](list []S, v S) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
