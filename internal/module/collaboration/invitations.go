package collaboration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/teamflow/server/internal/docstore"
	"github.com/teamflow/server/internal/utils/random"
)

// CreateInvitation invites a user by email. At most one pending invitation
// may exist per (team, email) pair, and the invitee must not already be an
// active member. The invitation email is sent asynchronously; a send failure
// never fails the operation.
func (s *Service) CreateInvitation(ctx context.Context, actor Actor, req *CreateInvitationRequest) (*TeamInvitation, error) {
	role, err := s.resolveRole(ctx, req.TeamID, actor)
	if err != nil {
		return nil, err
	}
	if !role.Can(CanInviteMembers) {
		return nil, fmt.Errorf("%w: role %s cannot invite members", ErrPermissionDenied, role)
	}
	if req.Role == RoleOwner || !IsValidInviteRole(req.Role) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, req.Role)
	}
	if !role.CanAssign(req.Role) {
		return nil, fmt.Errorf("%w: role %s cannot assign %s", ErrPermissionDenied, role, req.Role)
	}

	email := NormalizeEmail(req.Email)
	if err := ValidateEmail(email); err != nil {
		return nil, err
	}

	team, err := s.GetTeam(ctx, req.TeamID)
	if err != nil {
		return nil, err
	}
	if !team.IsActive() {
		return nil, ErrTeamArchived
	}

	// Single-flight: one pending invitation per (team, email).
	if pending, err := s.repo.FindPendingInvitation(ctx, req.TeamID, email); err != nil {
		return nil, s.storeFailure("check pending invitation", err)
	} else if pending != nil {
		return nil, ErrDuplicateInvitation
	}
	if member, err := s.repo.FindActiveMemberByEmail(ctx, req.TeamID, email); err != nil {
		return nil, s.storeFailure("check membership", err)
	} else if member != nil {
		return nil, ErrAlreadyMember
	}

	count, err := s.repo.CountActiveMembers(ctx, req.TeamID)
	if err != nil {
		return nil, s.storeFailure("count members", err)
	}
	if team.MaxMembers > 0 && count+1 > team.MaxMembers {
		return nil, ErrCapacityExceeded
	}

	now := s.now()
	invitation := &TeamInvitation{
		ID:           NewID(),
		TeamID:       req.TeamID,
		TeamName:     team.Name,
		InviterID:    actor.UserID,
		InviteeEmail: email,
		ProposedRole: req.Role,
		Status:       InvitationStatusPending,
		ExpiresAt:    now.Add(s.cfg.InvitationTTL),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	token, err := s.tokens.Issue(invitation.ID, email, invitation.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("issue invitation token: %w", err)
	}
	invitation.Token = token

	plainCode := ""
	if req.RequiresVerification {
		plainCode = req.VerificationCode
		if plainCode == "" {
			plainCode = random.UpperAlphaNum(6)
		}
		hash, err := HashVerificationCode(plainCode)
		if err != nil {
			return nil, fmt.Errorf("hash verification code: %w", err)
		}
		invitation.RequiresVerification = true
		invitation.VerificationHash = hash
	}

	if err := s.repo.CreateInvitation(ctx, invitation); err != nil {
		return nil, s.storeFailure("create invitation", err)
	}
	s.cache.Put(invitationKey(invitation.ID), invitation)
	s.cache.Invalidate(teamInvitationsKey(req.TeamID))
	s.cache.Invalidate(userInvitationsKey(email))
	s.logActivity(ctx, CollectionInvitationActivities, docstore.Doc{
		"invitation_id": invitation.ID,
		"team_id":       req.TeamID,
		"actor":         actor.UserID,
		"action":        "invitation_created",
		"invitee_email": email,
	})

	go func(inv TeamInvitation) {
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.notifier.SendInvitation(sendCtx, &inv); err != nil {
			s.logger.Warn("invitation email failed",
				zap.String("invitation_id", inv.ID),
				zap.Error(err),
			)
		}
	}(*invitation)

	s.logger.Info("invitation created",
		zap.String("invitation_id", invitation.ID),
		zap.String("team_id", req.TeamID),
		zap.String("inviter", actor.UserID),
	)

	// The plaintext code is handed back once to the inviter. The cached
	// copy above stays sanitized.
	result := *invitation
	result.VerificationCode = plainCode
	return &result, nil
}

// GetInvitation returns an invitation, serving from the cache when possible.
func (s *Service) GetInvitation(ctx context.Context, id string) (*TeamInvitation, error) {
	if v, ok := s.cache.Get(invitationKey(id)); ok {
		if invitation, ok := v.(*TeamInvitation); ok {
			return invitation, nil
		}
	}
	invitation, err := s.repo.GetInvitation(ctx, id)
	if err != nil {
		return nil, s.storeFailure("get invitation", err)
	}
	s.cache.Put(invitationKey(id), invitation)
	return invitation, nil
}

// GetInvitationByToken resolves a signed invitation token to the invitation
// it names. The token's email claim must match the stored invitee.
func (s *Service) GetInvitationByToken(ctx context.Context, token string) (*TeamInvitation, error) {
	invitationID, email, err := s.tokens.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	invitation, err := s.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if invitation.InviteeEmail != NormalizeEmail(email) {
		return nil, ErrEmailMismatch
	}
	return invitation, nil
}

// AcceptInvitation accepts a pending invitation on behalf of the actor. The
// actor's email must match the invitee, the invitation must not have passed
// its deadline, and when the invitation was created with a verification code
// the matching code must be supplied. On success the invitation flips to
// accepted, a membership with the proposed role is created, and the team's
// member count is incremented, all in one atomic batch.
func (s *Service) AcceptInvitation(ctx context.Context, actor Actor, invitationID, verificationCode string) (*TeamMember, error) {
	if actor.UserID == "" {
		return nil, ErrAuthenticationRequired
	}

	invitation, err := s.repo.GetInvitation(ctx, invitationID)
	if err != nil {
		return nil, s.storeFailure("get invitation", err)
	}
	if !invitation.IsPending() {
		return nil, fmt.Errorf("%w: invitation is %s", ErrInvalidStateTransition, invitation.Status)
	}

	now := s.now()
	if invitation.IsExpired(now) {
		// Lazily settle the deadline before reporting it.
		if err := transitionInvitation(invitation, InvitationStatusExpired); err == nil {
			invitation.RespondedAt = &now
			if saveErr := s.repo.SaveInvitation(ctx, invitation); saveErr != nil {
				s.logger.Warn("lazy invitation expiry failed",
					zap.String("invitation_id", invitation.ID),
					zap.Error(saveErr),
				)
			}
			s.cache.Put(invitationKey(invitation.ID), invitation)
		}
		return nil, ErrInvitationExpired
	}

	if NormalizeEmail(actor.Email) != invitation.InviteeEmail {
		return nil, ErrEmailMismatch
	}
	// An unverified claim to the invitee address is not good enough to
	// join a team.
	if !actor.EmailVerified {
		return nil, ErrEmailNotVerified
	}
	if invitation.RequiresVerification {
		if !CheckVerificationCode(invitation.VerificationHash, verificationCode) {
			return nil, ErrVerificationFailed
		}
	}

	team, err := s.GetTeam(ctx, invitation.TeamID)
	if err != nil {
		return nil, err
	}
	if !team.IsActive() {
		return nil, ErrTeamArchived
	}
	if existing, err := s.repo.GetActiveMember(ctx, invitation.TeamID, actor.UserID); err == nil && existing != nil {
		return nil, ErrAlreadyMember
	} else if err != nil && !errors.Is(err, ErrMemberNotFound) {
		return nil, s.storeFailure("check membership", err)
	}

	// Capacity is rechecked at accept time; an invitation is not a seat
	// reservation.
	count, err := s.repo.CountActiveMembers(ctx, invitation.TeamID)
	if err != nil {
		return nil, s.storeFailure("count members", err)
	}
	if team.MaxMembers > 0 && count+1 > team.MaxMembers {
		return nil, ErrCapacityExceeded
	}

	if err := transitionInvitation(invitation, InvitationStatusAccepted); err != nil {
		return nil, err
	}
	invitation.RespondedAt = &now

	member := &TeamMember{
		ID:          NewID(),
		TeamID:      invitation.TeamID,
		UserID:      actor.UserID,
		Role:        invitation.ProposedRole,
		Status:      MemberStatusActive,
		DisplayName: actor.DisplayName,
		Email:       invitation.InviteeEmail,
		JoinedAt:    now,
	}
	updated := *team
	updated.TotalMembers = count + 1
	updated.UpdatedAt = now

	if err := s.repo.AcceptInvitationBatch(ctx, invitation, member, &updated); err != nil {
		return nil, s.storeFailure("accept invitation", err)
	}

	s.cache.Put(teamKey(team.ID), &updated)
	s.cache.Put(memberKey(team.ID, actor.UserID), member)
	s.cache.Put(invitationKey(invitation.ID), invitation)
	s.cache.Invalidate(teamMembersKey(team.ID))
	s.cache.Invalidate(teamInvitationsKey(team.ID))
	s.cache.Invalidate(userInvitationsKey(invitation.InviteeEmail))
	s.logActivity(ctx, CollectionInvitationActivities, docstore.Doc{
		"invitation_id": invitation.ID,
		"team_id":       team.ID,
		"actor":         actor.UserID,
		"action":        "invitation_accepted",
	})

	s.logger.Info("invitation accepted",
		zap.String("invitation_id", invitation.ID),
		zap.String("team_id", team.ID),
		zap.String("user_id", actor.UserID),
	)
	return member, nil
}

// DeclineInvitation declines a pending invitation. Only the invitee may
// decline. A reason may be recorded.
func (s *Service) DeclineInvitation(ctx context.Context, actor Actor, invitationID, reason string) error {
	if actor.UserID == "" {
		return ErrAuthenticationRequired
	}
	invitation, err := s.repo.GetInvitation(ctx, invitationID)
	if err != nil {
		return s.storeFailure("get invitation", err)
	}
	if NormalizeEmail(actor.Email) != invitation.InviteeEmail {
		return ErrEmailMismatch
	}
	if err := transitionInvitation(invitation, InvitationStatusDeclined); err != nil {
		return err
	}
	now := s.now()
	invitation.Reason = reason
	invitation.RespondedAt = &now

	if err := s.repo.SaveInvitation(ctx, invitation); err != nil {
		return s.storeFailure("decline invitation", err)
	}

	s.cache.Put(invitationKey(invitation.ID), invitation)
	s.cache.Invalidate(teamInvitationsKey(invitation.TeamID))
	s.cache.Invalidate(userInvitationsKey(invitation.InviteeEmail))
	s.logActivity(ctx, CollectionInvitationActivities, docstore.Doc{
		"invitation_id": invitation.ID,
		"team_id":       invitation.TeamID,
		"actor":         actor.UserID,
		"action":        "invitation_declined",
	})
	return nil
}

// CancelInvitation withdraws a pending invitation. The inviter or anyone
// with the invite capability may cancel.
func (s *Service) CancelInvitation(ctx context.Context, actor Actor, invitationID, reason string) error {
	invitation, err := s.repo.GetInvitation(ctx, invitationID)
	if err != nil {
		return s.storeFailure("get invitation", err)
	}

	if actor.UserID != invitation.InviterID {
		role, err := s.resolveRole(ctx, invitation.TeamID, actor)
		if err != nil {
			return err
		}
		if !role.Can(CanInviteMembers) {
			return fmt.Errorf("%w: role %s cannot cancel invitations", ErrPermissionDenied, role)
		}
	} else if actor.UserID == "" {
		return ErrAuthenticationRequired
	}

	if err := transitionInvitation(invitation, InvitationStatusCancelled); err != nil {
		return err
	}
	now := s.now()
	invitation.Reason = reason
	invitation.RespondedAt = &now

	if err := s.repo.SaveInvitation(ctx, invitation); err != nil {
		return s.storeFailure("cancel invitation", err)
	}

	s.cache.Put(invitationKey(invitation.ID), invitation)
	s.cache.Invalidate(teamInvitationsKey(invitation.TeamID))
	s.cache.Invalidate(userInvitationsKey(invitation.InviteeEmail))
	s.logActivity(ctx, CollectionInvitationActivities, docstore.Doc{
		"invitation_id": invitation.ID,
		"team_id":       invitation.TeamID,
		"actor":         actor.UserID,
		"action":        "invitation_cancelled",
	})
	return nil
}

// SendReminder re-sends the invitation email. Reminders are bounded in
// count and spacing per invitation.
func (s *Service) SendReminder(ctx context.Context, actor Actor, invitationID string) error {
	invitation, err := s.repo.GetInvitation(ctx, invitationID)
	if err != nil {
		return s.storeFailure("get invitation", err)
	}

	if actor.UserID != invitation.InviterID {
		role, err := s.resolveRole(ctx, invitation.TeamID, actor)
		if err != nil {
			return err
		}
		if !role.Can(CanInviteMembers) {
			return fmt.Errorf("%w: role %s cannot send reminders", ErrPermissionDenied, role)
		}
	} else if actor.UserID == "" {
		return ErrAuthenticationRequired
	}

	if !invitation.IsPending() {
		return fmt.Errorf("%w: invitation is %s", ErrInvalidStateTransition, invitation.Status)
	}
	now := s.now()
	if invitation.IsExpired(now) {
		return ErrInvitationExpired
	}
	if !invitation.CanSendReminder(now, s.cfg.MaxReminders, s.cfg.ReminderMinGap) {
		return ErrReminderLimitReached
	}

	invitation.RemindersSent++
	invitation.LastReminderAt = &now
	if err := s.repo.SaveInvitation(ctx, invitation); err != nil {
		return s.storeFailure("record reminder", err)
	}
	s.cache.Put(invitationKey(invitation.ID), invitation)

	go func(inv TeamInvitation) {
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.notifier.SendReminder(sendCtx, &inv); err != nil {
			s.logger.Warn("reminder email failed",
				zap.String("invitation_id", inv.ID),
				zap.Error(err),
			)
		}
	}(*invitation)

	s.logActivity(ctx, CollectionInvitationActivities, docstore.Doc{
		"invitation_id": invitation.ID,
		"team_id":       invitation.TeamID,
		"actor":         actor.UserID,
		"action":        "reminder_sent",
		"reminders":     invitation.RemindersSent,
	})
	return nil
}

// ListTeamInvitations lists a team's invitations, newest first.
func (s *Service) ListTeamInvitations(ctx context.Context, actor Actor, teamID string) ([]*TeamInvitation, error) {
	role, err := s.resolveRole(ctx, teamID, actor)
	if err != nil {
		return nil, err
	}
	if !role.Can(CanInviteMembers) {
		return nil, fmt.Errorf("%w: role %s cannot view invitations", ErrPermissionDenied, role)
	}
	invitations, err := s.repo.ListTeamInvitations(ctx, teamID)
	if err != nil {
		return nil, s.storeFailure("list invitations", err)
	}
	return invitations, nil
}

// ListUserInvitations lists the pending invitations addressed to the
// actor's email.
func (s *Service) ListUserInvitations(ctx context.Context, actor Actor) ([]*TeamInvitation, error) {
	if actor.UserID == "" {
		return nil, ErrAuthenticationRequired
	}
	invitations, err := s.repo.ListUserInvitations(ctx, NormalizeEmail(actor.Email))
	if err != nil {
		return nil, s.storeFailure("list invitations", err)
	}
	return invitations, nil
}

// ExpireOldInvitations settles every pending invitation whose deadline has
// passed. Returns the number of invitations expired.
func (s *Service) ExpireOldInvitations(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.repo.ListPendingExpiredBefore(ctx, now)
	if err != nil {
		return 0, s.storeFailure("list expired invitations", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(expired))
	for _, invitation := range expired {
		ids = append(ids, invitation.ID)
	}
	if err := s.repo.ExpireInvitations(ctx, ids, now); err != nil {
		return 0, s.storeFailure("expire invitations", err)
	}

	for _, invitation := range expired {
		s.cache.Invalidate(invitationKey(invitation.ID))
		s.cache.Invalidate(teamInvitationsKey(invitation.TeamID))
		s.cache.Invalidate(userInvitationsKey(invitation.InviteeEmail))
		if s.recorder != nil {
			s.recorder.RecordInvitationEvent("expired")
		}
	}
	s.logger.Info("expired invitations settled", zap.Int("count", len(ids)))
	return len(ids), nil
}
