package collaboration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teamflow/server/internal/cache"
	"github.com/teamflow/server/internal/docstore"
	"github.com/teamflow/server/internal/subscription"
)

// Config holds collaboration service tunables.
type Config struct {
	// DefaultMaxMembers caps new teams when the request does not set one.
	DefaultMaxMembers int
	// InvitationTTL is how long an invitation stays acceptable.
	InvitationTTL time.Duration
	// MaxReminders bounds reminders per invitation.
	MaxReminders int
	// ReminderMinGap is the minimum spacing between reminders.
	ReminderMinGap time.Duration
	// TokenSecret signs invitation tokens.
	TokenSecret string
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		DefaultMaxMembers: 50,
		InvitationTTL:     7 * 24 * time.Hour,
		MaxReminders:      3,
		ReminderMinGap:    24 * time.Hour,
		TokenSecret:       "dev-only-secret",
	}
}

// Service is the collaboration façade: the only way teams, members,
// projects, and invitations are mutated. It orchestrates the document
// store (via the repository), the entity cache, the subscription
// multiplexer, the authorization matrix, and the lifecycle machines.
type Service struct {
	repo     Repository
	cache    *cache.Cache
	mux      *subscription.Multiplexer
	notifier Notifier
	tokens   *TokenIssuer
	logger   *zap.Logger
	recorder OperationRecorder
	cfg      Config

	// now is overridable in tests.
	now func() time.Time
}

// OperationRecorder receives operation outcomes and invitation lifecycle
// events for metrics. Satisfied by *metrics.Metrics.
type OperationRecorder interface {
	RecordOperation(operation string, err error)
	RecordInvitationEvent(event string)
}

// NewService creates a collaboration service. The multiplexer should be
// constructed with WithEventHook(svc.ReconcileCache) so pushed server values
// reconcile the cache; see NewServiceWithMultiplexer for the usual wiring.
func NewService(repo Repository, entityCache *cache.Cache, mux *subscription.Multiplexer, notifier Notifier, logger *zap.Logger, cfg Config) *Service {
	if cfg.DefaultMaxMembers <= 0 {
		cfg.DefaultMaxMembers = 50
	}
	if cfg.InvitationTTL <= 0 {
		cfg.InvitationTTL = 7 * 24 * time.Hour
	}
	if cfg.MaxReminders <= 0 {
		cfg.MaxReminders = 3
	}
	if cfg.ReminderMinGap <= 0 {
		cfg.ReminderMinGap = 24 * time.Hour
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		repo:     repo,
		cache:    entityCache,
		mux:      mux,
		notifier: notifier,
		tokens:   NewTokenIssuer(cfg.TokenSecret),
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// NewServiceWithMultiplexer builds the service and a multiplexer whose event
// hook reconciles the service cache.
func NewServiceWithMultiplexer(repo Repository, entityCache *cache.Cache, notifier Notifier, logger *zap.Logger, cfg Config, muxOpts ...subscription.Option) *Service {
	svc := NewService(repo, entityCache, nil, notifier, logger, cfg)
	opts := append([]subscription.Option{subscription.WithEventHook(svc.ReconcileCache)}, muxOpts...)
	svc.mux = subscription.New(logger, opts...)
	return svc
}

// SetRecorder attaches a metrics recorder. Optional; nil disables recording.
func (s *Service) SetRecorder(r OperationRecorder) {
	s.recorder = r
}

// SetClock overrides the wall clock. Test hook.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Multiplexer exposes the subscription multiplexer, mainly for shutdown.
func (s *Service) Multiplexer() *subscription.Multiplexer {
	return s.mux
}

// ========== Canonical cache / subscription keys ==========

func teamKey(id string) string { return "team:" + id }
func memberKey(teamID, userID string) string {
	return "member:" + teamID + ":" + userID
}
func teamMembersKey(teamID string) string { return "team_members:" + teamID }
func projectKey(id string) string         { return "project:" + id }
func invitationKey(id string) string      { return "invitation:" + id }
func teamInvitationsKey(teamID string) string {
	return "team_invitations:" + teamID
}
func userInvitationsKey(email string) string {
	return "user_invitations:" + email
}

// ========== Team operations ==========

// CreateTeam creates a team with the actor as owner. The owner membership
// is written in the same batch as the team.
func (s *Service) CreateTeam(ctx context.Context, actor Actor, req *CreateTeamRequest) (*Team, error) {
	if actor.UserID == "" {
		return nil, ErrAuthenticationRequired
	}
	if actor.PlatformRole == PlatformViewer {
		return nil, fmt.Errorf("%w: viewers cannot create teams", ErrPermissionDenied)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("%w: team name is required", ErrValidation)
	}

	visibility := req.Visibility
	if visibility == "" {
		visibility = VisibilityPrivate
	}
	maxMembers := req.MaxMembers
	if maxMembers <= 0 {
		maxMembers = s.cfg.DefaultMaxMembers
	}

	now := s.now()
	team := &Team{
		ID:           NewID(),
		Name:         req.Name,
		Description:  req.Description,
		CreatedBy:    actor.UserID,
		Visibility:   visibility,
		MaxMembers:   maxMembers,
		TotalMembers: 1,
		Status:       TeamStatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	owner := &TeamMember{
		ID:          NewID(),
		TeamID:      team.ID,
		UserID:      actor.UserID,
		Role:        RoleOwner,
		Status:      MemberStatusActive,
		DisplayName: actor.DisplayName,
		Email:       NormalizeEmail(actor.Email),
		JoinedAt:    now,
	}

	if err := s.repo.CreateTeamWithOwner(ctx, team, owner); err != nil {
		return nil, s.storeFailure("create team", err)
	}

	s.cache.Put(teamKey(team.ID), team)
	s.cache.Put(memberKey(team.ID, actor.UserID), owner)
	s.logActivity(ctx, CollectionTeamActivities, docstore.Doc{
		"team_id": team.ID,
		"actor":   actor.UserID,
		"action":  "team_created",
	})

	s.logger.Info("team created",
		zap.String("team_id", team.ID),
		zap.String("created_by", actor.UserID),
		zap.String("name", team.Name),
	)
	return team, nil
}

// GetTeam returns a team, serving from the cache when possible.
func (s *Service) GetTeam(ctx context.Context, id string) (*Team, error) {
	if v, ok := s.cache.Get(teamKey(id)); ok {
		if team, ok := v.(*Team); ok {
			return team, nil
		}
	}
	team, err := s.repo.GetTeam(ctx, id)
	if err != nil {
		return nil, s.storeFailure("get team", err)
	}
	s.cache.Put(teamKey(id), team)
	return team, nil
}

// UpdateTeam applies a partial update to a team.
func (s *Service) UpdateTeam(ctx context.Context, actor Actor, teamID string, req *UpdateTeamRequest) (*Team, error) {
	role, err := s.resolveRole(ctx, teamID, actor)
	if err != nil {
		return nil, err
	}
	if !role.Can(CanManageTeam) {
		return nil, fmt.Errorf("%w: role %s cannot manage team", ErrPermissionDenied, role)
	}

	team, err := s.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}

	updated := *team
	if req.Name != nil {
		if *req.Name == "" {
			return nil, fmt.Errorf("%w: team name is required", ErrValidation)
		}
		updated.Name = *req.Name
	}
	if req.Description != nil {
		updated.Description = *req.Description
	}
	if req.Visibility != nil {
		updated.Visibility = *req.Visibility
	}
	if req.MaxMembers != nil {
		updated.MaxMembers = *req.MaxMembers
	}
	if req.Status != nil {
		updated.Status = *req.Status
	}
	updated.UpdatedAt = s.now()

	if err := s.repo.SaveTeam(ctx, &updated); err != nil {
		return nil, s.storeFailure("update team", err)
	}

	s.cache.Put(teamKey(teamID), &updated)
	s.logActivity(ctx, CollectionTeamActivities, docstore.Doc{
		"team_id": teamID,
		"actor":   actor.UserID,
		"action":  "team_updated",
	})
	return &updated, nil
}

// DeleteTeam hard-deletes a team and cascades to members, projects, project
// members, and invitations in one atomic batch. Only the owner or creator
// may delete.
func (s *Service) DeleteTeam(ctx context.Context, actor Actor, teamID string) (bool, error) {
	team, err := s.GetTeam(ctx, teamID)
	if err != nil {
		return false, err
	}

	// A creator with no surviving membership may still delete, so a
	// permission-denied resolution falls through to the CreatedBy check.
	role, err := s.resolveRole(ctx, teamID, actor)
	if err != nil && !errors.Is(err, ErrPermissionDenied) {
		return false, err
	}
	if !role.Can(CanDeleteTeam) && team.CreatedBy != actor.UserID {
		return false, fmt.Errorf("%w: only the owner can delete a team", ErrPermissionDenied)
	}

	if err := s.repo.DeleteTeamCascade(ctx, teamID); err != nil {
		return false, s.storeFailure("delete team", err)
	}

	s.cache.Invalidate(teamKey(teamID))
	s.cache.InvalidateScope("member:" + teamID + ":")
	s.cache.Invalidate(teamMembersKey(teamID))
	s.cache.Invalidate(teamInvitationsKey(teamID))
	s.cache.InvalidateScope("invitation:")
	s.cache.InvalidateScope("project:")
	s.logActivity(ctx, CollectionTeamActivities, docstore.Doc{
		"team_id": teamID,
		"actor":   actor.UserID,
		"action":  "team_deleted",
	})

	s.logger.Info("team deleted",
		zap.String("team_id", teamID),
		zap.String("deleted_by", actor.UserID),
	)
	return true, nil
}

// ========== Member operations ==========

// ListTeamMembers lists a team's active members.
func (s *Service) ListTeamMembers(ctx context.Context, actor Actor, teamID string) ([]*TeamMember, error) {
	if _, err := s.resolveRole(ctx, teamID, actor); err != nil {
		return nil, err
	}
	members, err := s.repo.ListMembers(ctx, teamID, true)
	if err != nil {
		return nil, s.storeFailure("list members", err)
	}
	s.cache.Put(teamMembersKey(teamID), members)
	return members, nil
}

// AddTeamMember adds a member directly. The membership is created active;
// the team's derived member count is recomputed and written atomically with
// the membership.
func (s *Service) AddTeamMember(ctx context.Context, actor Actor, teamID string, req *AddMemberRequest) (*TeamMember, error) {
	role, err := s.resolveRole(ctx, teamID, actor)
	if err != nil {
		return nil, err
	}
	if !role.Can(CanManageMembers) {
		return nil, fmt.Errorf("%w: role %s cannot manage members", ErrPermissionDenied, role)
	}
	if req.Role == RoleOwner || !req.Role.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, req.Role)
	}
	if !role.CanAssign(req.Role) {
		return nil, fmt.Errorf("%w: role %s cannot assign %s", ErrPermissionDenied, role, req.Role)
	}

	team, err := s.GetTeam(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if !team.IsActive() {
		return nil, ErrTeamArchived
	}

	// Re-validate uniqueness among active records.
	if existing, err := s.repo.GetActiveMember(ctx, teamID, req.UserID); err == nil && existing != nil {
		return nil, ErrAlreadyMember
	} else if err != nil && !errors.Is(err, ErrMemberNotFound) {
		return nil, s.storeFailure("check membership", err)
	}

	// Recompute the derived count from the authoritative records rather
	// than trusting the cached team value.
	count, err := s.repo.CountActiveMembers(ctx, teamID)
	if err != nil {
		return nil, s.storeFailure("count members", err)
	}
	if team.MaxMembers > 0 && count+1 > team.MaxMembers {
		return nil, ErrCapacityExceeded
	}

	now := s.now()
	member := &TeamMember{
		ID:          NewID(),
		TeamID:      teamID,
		UserID:      req.UserID,
		Role:        req.Role,
		Status:      MemberStatusActive,
		DisplayName: req.DisplayName,
		Email:       NormalizeEmail(req.Email),
		JoinedAt:    now,
	}
	updated := *team
	updated.TotalMembers = count + 1
	updated.UpdatedAt = now

	if err := s.repo.InsertMember(ctx, member, &updated); err != nil {
		return nil, s.storeFailure("add member", err)
	}

	s.cache.Put(teamKey(teamID), &updated)
	s.cache.Put(memberKey(teamID, req.UserID), member)
	s.cache.Invalidate(teamMembersKey(teamID))
	s.logActivity(ctx, CollectionTeamActivities, docstore.Doc{
		"team_id": teamID,
		"actor":   actor.UserID,
		"action":  "member_added",
		"user_id": req.UserID,
		"role":    string(req.Role),
	})
	return member, nil
}

// RemoveTeamMember soft-removes a member. The owner can never be removed.
// A member may remove themselves; removing anyone else requires the member
// management capability.
func (s *Service) RemoveTeamMember(ctx context.Context, actor Actor, teamID, userID string) (bool, error) {
	target, err := s.repo.GetActiveMember(ctx, teamID, userID)
	if err != nil {
		return false, s.storeFailure("get member", err)
	}
	if target.Role == RoleOwner {
		return false, ErrCannotRemoveOwner
	}

	if actor.UserID != userID {
		role, err := s.resolveRole(ctx, teamID, actor)
		if err != nil {
			return false, err
		}
		if !role.Can(CanManageMembers) {
			return false, fmt.Errorf("%w: role %s cannot remove members", ErrPermissionDenied, role)
		}
	}

	team, err := s.GetTeam(ctx, teamID)
	if err != nil {
		return false, err
	}

	now := s.now()
	if err := transitionMember(target, MemberStatusRemoved); err != nil {
		return false, err
	}
	target.LeftAt = &now

	count, err := s.repo.CountActiveMembers(ctx, teamID)
	if err != nil {
		return false, s.storeFailure("count members", err)
	}
	updated := *team
	updated.TotalMembers = count - 1
	if updated.TotalMembers < 0 {
		updated.TotalMembers = 0
	}
	updated.UpdatedAt = now

	if err := s.repo.SaveMemberWithTeam(ctx, target, &updated); err != nil {
		return false, s.storeFailure("remove member", err)
	}

	s.cache.Put(teamKey(teamID), &updated)
	s.cache.Invalidate(memberKey(teamID, userID))
	s.cache.Invalidate(teamMembersKey(teamID))
	s.logActivity(ctx, CollectionTeamActivities, docstore.Doc{
		"team_id": teamID,
		"actor":   actor.UserID,
		"action":  "member_removed",
		"user_id": userID,
	})
	return true, nil
}

// LeaveTeam removes the actor from a team. Owners cannot leave; they must
// delete the team or transfer it out of band.
func (s *Service) LeaveTeam(ctx context.Context, actor Actor, teamID string) (bool, error) {
	if actor.UserID == "" {
		return false, ErrAuthenticationRequired
	}
	return s.RemoveTeamMember(ctx, actor, teamID, actor.UserID)
}

// UpdateMemberRole changes a member's role. The owner role can be neither
// the target nor the new value.
func (s *Service) UpdateMemberRole(ctx context.Context, actor Actor, teamID, userID string, newRole Role) (*TeamMember, error) {
	role, err := s.resolveRole(ctx, teamID, actor)
	if err != nil {
		return nil, err
	}
	if !role.Can(CanManageMembers) {
		return nil, fmt.Errorf("%w: role %s cannot change roles", ErrPermissionDenied, role)
	}

	target, err := s.repo.GetActiveMember(ctx, teamID, userID)
	if err != nil {
		return nil, s.storeFailure("get member", err)
	}
	if target.Role == RoleOwner {
		return nil, ErrCannotChangeOwnerRole
	}
	if newRole == RoleOwner {
		return nil, fmt.Errorf("%w: ownership is not transferable here", ErrCannotChangeOwnerRole)
	}
	if !newRole.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, newRole)
	}
	if !role.CanAssign(newRole) {
		return nil, fmt.Errorf("%w: role %s cannot assign %s", ErrPermissionDenied, role, newRole)
	}

	target.Role = newRole
	if err := s.repo.SaveMember(ctx, target); err != nil {
		return nil, s.storeFailure("update member role", err)
	}

	s.cache.Put(memberKey(teamID, userID), target)
	s.cache.Invalidate(teamMembersKey(teamID))
	s.logActivity(ctx, CollectionTeamActivities, docstore.Doc{
		"team_id": teamID,
		"actor":   actor.UserID,
		"action":  "member_role_changed",
		"user_id": userID,
		"role":    string(newRole),
	})
	return target, nil
}

// ========== Subscriptions ==========

// ListenToTeam subscribes to live updates of a team document.
func (s *Service) ListenToTeam(ctx context.Context, teamID string) (*subscription.Handle, error) {
	return s.mux.Subscribe(ctx, teamKey(teamID), func(ctx context.Context) (docstore.Stream, error) {
		return s.repo.OpenTeamStream(ctx, teamID)
	})
}

// ListenToTeamMembers subscribes to the team's active member list.
func (s *Service) ListenToTeamMembers(ctx context.Context, teamID string) (*subscription.Handle, error) {
	return s.mux.Subscribe(ctx, teamMembersKey(teamID), func(ctx context.Context) (docstore.Stream, error) {
		return s.repo.OpenTeamMembersStream(ctx, teamID)
	})
}

// ListenToProject subscribes to live updates of a project document.
func (s *Service) ListenToProject(ctx context.Context, projectID string) (*subscription.Handle, error) {
	return s.mux.Subscribe(ctx, projectKey(projectID), func(ctx context.Context) (docstore.Stream, error) {
		return s.repo.OpenProjectStream(ctx, projectID)
	})
}

// ListenToTeamInvitations subscribes to a team's invitations.
func (s *Service) ListenToTeamInvitations(ctx context.Context, teamID string) (*subscription.Handle, error) {
	return s.mux.Subscribe(ctx, teamInvitationsKey(teamID), func(ctx context.Context) (docstore.Stream, error) {
		return s.repo.OpenTeamInvitationsStream(ctx, teamID)
	})
}

// ListenToUserInvitations subscribes to the pending invitations addressed to
// an email.
func (s *Service) ListenToUserInvitations(ctx context.Context, email string) (*subscription.Handle, error) {
	email = NormalizeEmail(email)
	return s.mux.Subscribe(ctx, userInvitationsKey(email), func(ctx context.Context) (docstore.Stream, error) {
		return s.repo.OpenUserInvitationsStream(ctx, email)
	})
}

// ReconcileCache folds pushed server values back into the entity cache so a
// later read observes the authoritative state even without a local write.
func (s *Service) ReconcileCache(key string, ev docstore.Event) {
	if ev.Err != nil {
		return
	}
	switch {
	case hasPrefix(key, "team:"):
		if len(ev.Records) == 0 {
			s.cache.Invalidate(key)
			return
		}
		if team, err := decodeTeam(ev.Records[0].Data); err == nil {
			s.cache.Put(key, team)
		}
	case hasPrefix(key, "team_members:"):
		s.cache.Put(key, DecodeMembers(ev.Records))
	case hasPrefix(key, "project:"):
		if len(ev.Records) == 0 {
			s.cache.Invalidate(key)
			return
		}
		if project, err := decodeProject(ev.Records[0].Data); err == nil {
			s.cache.Put(key, project)
		}
	case hasPrefix(key, "team_invitations:"), hasPrefix(key, "user_invitations:"):
		s.cache.Put(key, DecodeInvitations(ev.Records))
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// ========== Shared helpers ==========

// resolveRole resolves the actor's current active role in a team, serving
// from the cache when possible. A platform administrator is treated as a
// team admin. The check performed on the returned role and the subsequent
// write are not atomic with respect to concurrent role changes; the store
// offers no compare-and-set, so that window is accepted and documented
// rather than papered over.
func (s *Service) resolveRole(ctx context.Context, teamID string, actor Actor) (Role, error) {
	if actor.UserID == "" {
		return "", ErrAuthenticationRequired
	}
	if actor.PlatformRole.CanAdminister() {
		return RoleAdmin, nil
	}

	key := memberKey(teamID, actor.UserID)
	if v, ok := s.cache.Get(key); ok {
		if member, ok := v.(*TeamMember); ok && member.IsActive() {
			return member.Role, nil
		}
	}

	member, err := s.repo.GetActiveMember(ctx, teamID, actor.UserID)
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			return "", fmt.Errorf("%w: not a team member", ErrPermissionDenied)
		}
		return "", s.storeFailure("resolve role", err)
	}
	s.cache.Put(key, member)
	return member.Role, nil
}

// domainErrors pass through storeFailure unchanged.
var domainErrors = []error{
	ErrAuthenticationRequired, ErrPermissionDenied, ErrValidation,
	ErrInvalidRole, ErrInvalidEmail, ErrTeamNotFound, ErrTeamArchived,
	ErrOnlyOwnerCanDelete, ErrMemberNotFound, ErrAlreadyMember,
	ErrCapacityExceeded, ErrCannotRemoveOwner, ErrCannotChangeOwnerRole,
	ErrProjectNotFound, ErrInvitationNotFound, ErrDuplicateInvitation,
	ErrInvitationExpired, ErrEmailMismatch, ErrEmailNotVerified,
	ErrVerificationFailed,
	ErrReminderLimitReached, ErrInvalidStateTransition,
}

// storeFailure converts raw store errors to ErrStoreFailure while letting
// typed domain failures pass through untouched.
func (s *Service) storeFailure(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, domain := range domainErrors {
		if errors.Is(err, domain) {
			return err
		}
	}
	if s.recorder != nil {
		s.recorder.RecordOperation(op, err)
	}
	s.logger.Error("store operation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w: %w", op, ErrStoreFailure, err)
}

// logActivity appends to an activity log. Best-effort: failures are logged
// and swallowed, never aborting the primary operation.
func (s *Service) logActivity(ctx context.Context, collection string, activity docstore.Doc) {
	if s.recorder != nil {
		if action, _ := activity["action"].(string); action != "" {
			s.recorder.RecordOperation(action, nil)
			if collection == CollectionInvitationActivities {
				s.recorder.RecordInvitationEvent(strings.TrimPrefix(action, "invitation_"))
			}
		}
	}
	activity["logged_at"] = s.now().UTC().Format(time.RFC3339Nano)
	if err := s.repo.AppendActivity(ctx, collection, activity); err != nil {
		s.logger.Warn("activity log append failed",
			zap.String("collection", collection),
			zap.Error(err),
		)
	}
}
