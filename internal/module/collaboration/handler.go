package collaboration

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/teamflow/server/internal/docstore"
	"github.com/teamflow/server/internal/subscription"
)

// Handler handles HTTP requests for collaboration.
type Handler struct {
	service *Service
}

// NewHandler creates a new collaboration handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers collaboration routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	teams := r.Group("/teams")
	{
		teams.POST("", h.CreateTeam)
		teams.GET("/:id", h.GetTeam)
		teams.PATCH("/:id", h.UpdateTeam)
		teams.DELETE("/:id", h.DeleteTeam)
		teams.GET("/:id/watch", h.WatchTeam)

		// Members
		teams.GET("/:id/members", h.ListMembers)
		teams.POST("/:id/members", h.AddMember)
		teams.PATCH("/:id/members/:user_id", h.UpdateMemberRole)
		teams.DELETE("/:id/members/:user_id", h.RemoveMember)
		teams.POST("/:id/leave", h.LeaveTeam)
		teams.GET("/:id/members/watch", h.WatchMembers)

		// Projects
		teams.POST("/:id/projects", h.CreateProject)
		teams.GET("/:id/projects", h.ListProjects)

		// Team invitations
		teams.POST("/:id/invitations", h.CreateInvitation)
		teams.GET("/:id/invitations", h.ListTeamInvitations)
		teams.GET("/:id/invitations/watch", h.WatchTeamInvitations)
	}

	projects := r.Group("/projects")
	{
		projects.GET("/:id", h.GetProject)
		projects.PATCH("/:id", h.UpdateProject)
		projects.POST("/:id/status", h.UpdateProjectStatus)
		projects.DELETE("/:id", h.DeleteProject)
		projects.POST("/:id/members", h.AddProjectMember)
		projects.DELETE("/:id/members/:user_id", h.RemoveProjectMember)
		projects.GET("/:id/watch", h.WatchProject)
	}

	invitations := r.Group("/invitations")
	{
		invitations.GET("", h.ListMyInvitations)
		invitations.GET("/watch", h.WatchMyInvitations)
		invitations.GET("/token/:token", h.GetInvitationByToken)
		invitations.POST("/:id/accept", h.AcceptInvitation)
		invitations.POST("/:id/decline", h.DeclineInvitation)
		invitations.POST("/:id/remind", h.SendReminder)
		invitations.DELETE("/:id", h.CancelInvitation)
	}
}

// ========== Team Handlers ==========

// CreateTeam handles team creation.
func (h *Handler) CreateTeam(c *gin.Context) {
	actor := h.actor(c)

	var req CreateTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	team, err := h.service.CreateTeam(c.Request.Context(), actor, &req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, team)
}

// GetTeam handles getting a team.
func (h *Handler) GetTeam(c *gin.Context) {
	team, err := h.service.GetTeam(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, team)
}

// UpdateTeam handles partial team updates.
func (h *Handler) UpdateTeam(c *gin.Context) {
	actor := h.actor(c)

	var req UpdateTeamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	team, err := h.service.UpdateTeam(c.Request.Context(), actor, c.Param("id"), &req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, team)
}

// DeleteTeam handles team deletion.
func (h *Handler) DeleteTeam(c *gin.Context) {
	actor := h.actor(c)

	if _, err := h.service.DeleteTeam(c.Request.Context(), actor, c.Param("id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// ========== Member Handlers ==========

// ListMembers handles listing a team's active members.
func (h *Handler) ListMembers(c *gin.Context) {
	actor := h.actor(c)

	members, err := h.service.ListTeamMembers(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members, "total": len(members)})
}

// AddMember handles adding a member directly.
func (h *Handler) AddMember(c *gin.Context) {
	actor := h.actor(c)

	var req AddMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	member, err := h.service.AddTeamMember(c.Request.Context(), actor, c.Param("id"), &req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

// UpdateMemberRole handles changing a member's role.
func (h *Handler) UpdateMemberRole(c *gin.Context) {
	actor := h.actor(c)

	var req struct {
		Role Role `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	member, err := h.service.UpdateMemberRole(c.Request.Context(), actor, c.Param("id"), c.Param("user_id"), req.Role)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, member)
}

// RemoveMember handles removing a member.
func (h *Handler) RemoveMember(c *gin.Context) {
	actor := h.actor(c)

	if _, err := h.service.RemoveTeamMember(c.Request.Context(), actor, c.Param("id"), c.Param("user_id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// LeaveTeam handles the actor leaving a team.
func (h *Handler) LeaveTeam(c *gin.Context) {
	actor := h.actor(c)

	if _, err := h.service.LeaveTeam(c.Request.Context(), actor, c.Param("id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"left": true})
}

// ========== Project Handlers ==========

// CreateProject handles project creation.
func (h *Handler) CreateProject(c *gin.Context) {
	actor := h.actor(c)

	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.TeamID = c.Param("id")

	project, err := h.service.CreateProject(c.Request.Context(), actor, &req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

// ListProjects handles listing a team's projects.
func (h *Handler) ListProjects(c *gin.Context) {
	actor := h.actor(c)

	projects, err := h.service.ListTeamProjects(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects, "total": len(projects)})
}

// GetProject handles getting a project.
func (h *Handler) GetProject(c *gin.Context) {
	project, err := h.service.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// UpdateProject handles partial project metadata updates.
func (h *Handler) UpdateProject(c *gin.Context) {
	actor := h.actor(c)

	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := h.service.UpdateProject(c.Request.Context(), actor, c.Param("id"), patch)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// UpdateProjectStatus handles lifecycle transitions.
func (h *Handler) UpdateProjectStatus(c *gin.Context) {
	actor := h.actor(c)

	var req struct {
		Status ProjectStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := h.service.UpdateProjectStatus(c.Request.Context(), actor, c.Param("id"), req.Status)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

// DeleteProject handles project deletion.
func (h *Handler) DeleteProject(c *gin.Context) {
	actor := h.actor(c)

	if _, err := h.service.DeleteProject(c.Request.Context(), actor, c.Param("id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// AddProjectMember handles adding a team member to a project.
func (h *Handler) AddProjectMember(c *gin.Context) {
	actor := h.actor(c)

	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	member, err := h.service.AddProjectMember(c.Request.Context(), actor, c.Param("id"), req.UserID)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, member)
}

// RemoveProjectMember handles removing a project member.
func (h *Handler) RemoveProjectMember(c *gin.Context) {
	actor := h.actor(c)

	if _, err := h.service.RemoveProjectMember(c.Request.Context(), actor, c.Param("id"), c.Param("user_id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

// ========== Invitation Handlers ==========

// CreateInvitation handles inviting a user by email.
func (h *Handler) CreateInvitation(c *gin.Context) {
	actor := h.actor(c)

	var req CreateInvitationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.TeamID = c.Param("id")

	invitation, err := h.service.CreateInvitation(c.Request.Context(), actor, &req)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, invitation)
}

// ListTeamInvitations handles listing a team's invitations.
func (h *Handler) ListTeamInvitations(c *gin.Context) {
	actor := h.actor(c)

	invitations, err := h.service.ListTeamInvitations(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invitations": invitations, "total": len(invitations)})
}

// ListMyInvitations handles listing the actor's pending invitations.
func (h *Handler) ListMyInvitations(c *gin.Context) {
	actor := h.actor(c)

	invitations, err := h.service.ListUserInvitations(c.Request.Context(), actor)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invitations": invitations, "total": len(invitations)})
}

// GetInvitationByToken resolves a signed invitation token.
func (h *Handler) GetInvitationByToken(c *gin.Context) {
	invitation, err := h.service.GetInvitationByToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, invitation)
}

// AcceptInvitation handles accepting an invitation.
func (h *Handler) AcceptInvitation(c *gin.Context) {
	actor := h.actor(c)

	var req struct {
		VerificationCode string `json:"verification_code"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	member, err := h.service.AcceptInvitation(c.Request.Context(), actor, c.Param("id"), req.VerificationCode)
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, member)
}

// DeclineInvitation handles declining an invitation.
func (h *Handler) DeclineInvitation(c *gin.Context) {
	actor := h.actor(c)

	var req struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := h.service.DeclineInvitation(c.Request.Context(), actor, c.Param("id"), req.Reason); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"declined": true})
}

// CancelInvitation handles withdrawing an invitation.
func (h *Handler) CancelInvitation(c *gin.Context) {
	actor := h.actor(c)

	if err := h.service.CancelInvitation(c.Request.Context(), actor, c.Param("id"), c.Query("reason")); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// SendReminder handles re-sending an invitation email.
func (h *Handler) SendReminder(c *gin.Context) {
	actor := h.actor(c)

	if err := h.service.SendReminder(c.Request.Context(), actor, c.Param("id")); err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sent": true})
}

// ========== Watch Handlers ==========

// WatchTeam streams live team updates over SSE.
func (h *Handler) WatchTeam(c *gin.Context) {
	h.stream(c, func() (*subscription.Handle, error) {
		return h.service.ListenToTeam(c.Request.Context(), c.Param("id"))
	})
}

// WatchMembers streams the team's active member list over SSE.
func (h *Handler) WatchMembers(c *gin.Context) {
	h.stream(c, func() (*subscription.Handle, error) {
		return h.service.ListenToTeamMembers(c.Request.Context(), c.Param("id"))
	})
}

// WatchProject streams live project updates over SSE.
func (h *Handler) WatchProject(c *gin.Context) {
	h.stream(c, func() (*subscription.Handle, error) {
		return h.service.ListenToProject(c.Request.Context(), c.Param("id"))
	})
}

// WatchTeamInvitations streams a team's invitations over SSE.
func (h *Handler) WatchTeamInvitations(c *gin.Context) {
	h.stream(c, func() (*subscription.Handle, error) {
		return h.service.ListenToTeamInvitations(c.Request.Context(), c.Param("id"))
	})
}

// WatchMyInvitations streams the actor's pending invitations over SSE.
func (h *Handler) WatchMyInvitations(c *gin.Context) {
	actor := h.actor(c)
	if actor.Email == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_required"})
		return
	}
	h.stream(c, func() (*subscription.Handle, error) {
		return h.service.ListenToUserInvitations(c.Request.Context(), actor.Email)
	})
}

// stream fans a subscription handle out to the client as server-sent
// events. The subscription is released when the client disconnects.
func (h *Handler) stream(c *gin.Context, open func() (*subscription.Handle, error)) {
	handle, err := open()
	if err != nil {
		h.handleError(c, err)
		return
	}
	defer handle.Cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-handle.Events():
			if ev.Err != nil {
				c.SSEvent("error", gin.H{"error": ev.Err.Error()})
				return false
			}
			docs := make([]docstore.Doc, 0, len(ev.Records))
			for _, rec := range ev.Records {
				docs = append(docs, rec.Data)
			}
			c.SSEvent("update", docs)
			return true
		case <-handle.Done():
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// ========== Helpers ==========

// actor builds the caller identity placed in the request context by the
// identity middleware.
func (h *Handler) actor(c *gin.Context) Actor {
	return Actor{
		UserID:        c.GetString("user_id"),
		Email:         c.GetString("user_email"),
		DisplayName:   c.GetString("user_name"),
		PlatformRole:  PlatformRole(c.GetString("platform_role")),
		EmailVerified: c.GetBool("email_verified"),
	}
}

// handleError maps service errors to HTTP responses.
func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication_required"})
	case errors.Is(err, ErrPermissionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
	case errors.Is(err, ErrTeamNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "team_not_found"})
	case errors.Is(err, ErrMemberNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "member_not_found"})
	case errors.Is(err, ErrProjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "project_not_found"})
	case errors.Is(err, ErrInvitationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "invitation_not_found"})
	case errors.Is(err, ErrAlreadyMember):
		c.JSON(http.StatusConflict, gin.H{"error": "user_already_member"})
	case errors.Is(err, ErrDuplicateInvitation):
		c.JSON(http.StatusConflict, gin.H{"error": "invitation_already_pending"})
	case errors.Is(err, ErrCapacityExceeded):
		c.JSON(http.StatusForbidden, gin.H{"error": "member_limit_exceeded"})
	case errors.Is(err, ErrTeamArchived):
		c.JSON(http.StatusConflict, gin.H{"error": "team_archived"})
	case errors.Is(err, ErrCannotRemoveOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot_remove_owner"})
	case errors.Is(err, ErrCannotChangeOwnerRole):
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot_change_owner_role"})
	case errors.Is(err, ErrOnlyOwnerCanDelete):
		c.JSON(http.StatusForbidden, gin.H{"error": "only_owner_can_delete"})
	case errors.Is(err, ErrInvitationExpired):
		c.JSON(http.StatusGone, gin.H{"error": "invitation_expired"})
	case errors.Is(err, ErrEmailMismatch):
		c.JSON(http.StatusForbidden, gin.H{"error": "invitation_not_for_you"})
	case errors.Is(err, ErrEmailNotVerified):
		c.JSON(http.StatusForbidden, gin.H{"error": "email_not_verified"})
	case errors.Is(err, ErrVerificationFailed):
		c.JSON(http.StatusForbidden, gin.H{"error": "verification_failed"})
	case errors.Is(err, ErrReminderLimitReached):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "reminder_limit_reached"})
	case errors.Is(err, ErrInvalidStateTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state_transition"})
	case errors.Is(err, ErrInvalidRole):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
	case errors.Is(err, ErrInvalidEmail):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_email"})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
