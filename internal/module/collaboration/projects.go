package collaboration

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/teamflow/server/internal/docstore"
)

// CreateProject creates a project inside a team. New projects always start
// in planning; the creator is added as the first project member.
func (s *Service) CreateProject(ctx context.Context, actor Actor, req *CreateProjectRequest) (*Project, error) {
	role, err := s.resolveRole(ctx, req.TeamID, actor)
	if err != nil {
		return nil, err
	}
	if !role.Can(CanCreateProjects) {
		return nil, fmt.Errorf("%w: role %s cannot create projects", ErrPermissionDenied, role)
	}
	if req.Name == "" {
		return nil, fmt.Errorf("%w: project name is required", ErrValidation)
	}

	team, err := s.GetTeam(ctx, req.TeamID)
	if err != nil {
		return nil, err
	}
	if !team.IsActive() {
		return nil, ErrTeamArchived
	}

	now := s.now()
	manager := req.ProjectManager
	if manager == "" {
		manager = actor.UserID
	}
	project := &Project{
		ID:             NewID(),
		TeamID:         req.TeamID,
		Name:           req.Name,
		Description:    req.Description,
		Status:         ProjectStatusPlanning,
		Priority:       req.Priority,
		Type:           req.Type,
		ProjectManager: manager,
		CreatedBy:      actor.UserID,
		MemberIDs:      []string{actor.UserID},
		StartDate:      req.StartDate,
		EndDate:        req.EndDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	creator := &ProjectMember{
		ID:        NewID(),
		ProjectID: project.ID,
		UserID:    actor.UserID,
		Role:      "manager",
		Status:    MemberStatusActive,
		JoinedAt:  now,
	}

	if err := s.repo.CreateProject(ctx, project); err != nil {
		return nil, s.storeFailure("create project", err)
	}
	if err := s.repo.InsertProjectMember(ctx, creator, project); err != nil {
		return nil, s.storeFailure("add project creator", err)
	}

	s.cache.Put(projectKey(project.ID), project)
	s.logActivity(ctx, CollectionProjectActivities, docstore.Doc{
		"project_id": project.ID,
		"team_id":    req.TeamID,
		"actor":      actor.UserID,
		"action":     "project_created",
	})

	s.logger.Info("project created",
		zap.String("project_id", project.ID),
		zap.String("team_id", req.TeamID),
		zap.String("created_by", actor.UserID),
	)
	return project, nil
}

// GetProject returns a project, serving from the cache when possible.
func (s *Service) GetProject(ctx context.Context, id string) (*Project, error) {
	if v, ok := s.cache.Get(projectKey(id)); ok {
		if project, ok := v.(*Project); ok {
			return project, nil
		}
	}
	project, err := s.repo.GetProject(ctx, id)
	if err != nil {
		return nil, s.storeFailure("get project", err)
	}
	s.cache.Put(projectKey(id), project)
	return project, nil
}

// ListTeamProjects lists a team's projects. Any team member may list.
func (s *Service) ListTeamProjects(ctx context.Context, actor Actor, teamID string) ([]*Project, error) {
	if _, err := s.resolveRole(ctx, teamID, actor); err != nil {
		return nil, err
	}
	projects, err := s.repo.ListTeamProjects(ctx, teamID)
	if err != nil {
		return nil, s.storeFailure("list projects", err)
	}
	return projects, nil
}

// UpdateProjectStatus moves a project through its lifecycle. Only the
// project manager, the creator, or a team member with the project
// capability may transition. Actual start and end dates are stamped on the
// first entry into active and into a terminal state respectively.
func (s *Service) UpdateProjectStatus(ctx context.Context, actor Actor, projectID string, next ProjectStatus) (*Project, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeProjectChange(ctx, actor, project); err != nil {
		return nil, err
	}

	updated := *project
	if err := transitionProject(&updated, next); err != nil {
		return nil, err
	}

	now := s.now()
	switch next {
	case ProjectStatusActive:
		if updated.ActualStartDate == nil {
			updated.ActualStartDate = &now
		}
	case ProjectStatusCompleted, ProjectStatusCancelled:
		if updated.ActualEndDate == nil {
			updated.ActualEndDate = &now
		}
	}
	updated.UpdatedAt = now

	if err := s.repo.SaveProject(ctx, &updated); err != nil {
		return nil, s.storeFailure("update project status", err)
	}

	s.cache.Put(projectKey(projectID), &updated)
	s.logActivity(ctx, CollectionProjectActivities, docstore.Doc{
		"project_id": projectID,
		"team_id":    project.TeamID,
		"actor":      actor.UserID,
		"action":     "project_status_changed",
		"from":       string(project.Status),
		"to":         string(next),
	})

	s.logger.Info("project status changed",
		zap.String("project_id", projectID),
		zap.String("from", string(project.Status)),
		zap.String("to", string(next)),
	)
	return &updated, nil
}

// UpdateProject applies a partial update to project metadata. Status changes
// go through UpdateProjectStatus.
func (s *Service) UpdateProject(ctx context.Context, actor Actor, projectID string, patch map[string]any) (*Project, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeProjectChange(ctx, actor, project); err != nil {
		return nil, err
	}

	updated := *project
	if v, ok := patch["name"].(string); ok {
		if v == "" {
			return nil, fmt.Errorf("%w: project name is required", ErrValidation)
		}
		updated.Name = v
	}
	if v, ok := patch["description"].(string); ok {
		updated.Description = v
	}
	if v, ok := patch["priority"].(string); ok {
		updated.Priority = ProjectPriority(v)
	}
	if v, ok := patch["project_manager"].(string); ok {
		updated.ProjectManager = v
	}
	updated.UpdatedAt = s.now()

	if err := s.repo.SaveProject(ctx, &updated); err != nil {
		return nil, s.storeFailure("update project", err)
	}
	s.cache.Put(projectKey(projectID), &updated)
	return &updated, nil
}

// DeleteProject hard-deletes a project and its memberships atomically.
func (s *Service) DeleteProject(ctx context.Context, actor Actor, projectID string) (bool, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}

	role, err := s.resolveRole(ctx, project.TeamID, actor)
	if err != nil {
		return false, err
	}
	if !role.Can(CanManageTeam) && project.CreatedBy != actor.UserID {
		return false, fmt.Errorf("%w: role %s cannot delete this project", ErrPermissionDenied, role)
	}

	if err := s.repo.DeleteProjectCascade(ctx, projectID); err != nil {
		return false, s.storeFailure("delete project", err)
	}

	s.cache.Invalidate(projectKey(projectID))
	s.logActivity(ctx, CollectionProjectActivities, docstore.Doc{
		"project_id": projectID,
		"team_id":    project.TeamID,
		"actor":      actor.UserID,
		"action":     "project_deleted",
	})
	return true, nil
}

// AddProjectMember adds a team member to a project. The project's derived
// member id list is recomputed and written with the membership.
func (s *Service) AddProjectMember(ctx context.Context, actor Actor, projectID, userID string) (*ProjectMember, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeProjectChange(ctx, actor, project); err != nil {
		return nil, err
	}

	// Project members must already belong to the team.
	if _, err := s.repo.GetActiveMember(ctx, project.TeamID, userID); err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			return nil, fmt.Errorf("%w: user is not a team member", ErrMemberNotFound)
		}
		return nil, s.storeFailure("check team membership", err)
	}

	existing, err := s.repo.ListProjectMembers(ctx, projectID, true)
	if err != nil {
		return nil, s.storeFailure("list project members", err)
	}
	for _, pm := range existing {
		if pm.UserID == userID {
			return nil, ErrAlreadyMember
		}
	}

	now := s.now()
	member := &ProjectMember{
		ID:        NewID(),
		ProjectID: projectID,
		UserID:    userID,
		Status:    MemberStatusActive,
		JoinedAt:  now,
	}

	updated := *project
	updated.MemberIDs = memberIDs(append(existing, member))
	updated.UpdatedAt = now

	if err := s.repo.InsertProjectMember(ctx, member, &updated); err != nil {
		return nil, s.storeFailure("add project member", err)
	}

	s.cache.Put(projectKey(projectID), &updated)
	s.logActivity(ctx, CollectionProjectActivities, docstore.Doc{
		"project_id": projectID,
		"team_id":    project.TeamID,
		"actor":      actor.UserID,
		"action":     "project_member_added",
		"user_id":    userID,
	})
	return member, nil
}

// RemoveProjectMember soft-removes a project member and recomputes the
// project's derived member id list.
func (s *Service) RemoveProjectMember(ctx context.Context, actor Actor, projectID, userID string) (bool, error) {
	project, err := s.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	if actor.UserID != userID {
		if err := s.authorizeProjectChange(ctx, actor, project); err != nil {
			return false, err
		}
	}

	existing, err := s.repo.ListProjectMembers(ctx, projectID, true)
	if err != nil {
		return false, s.storeFailure("list project members", err)
	}
	var target *ProjectMember
	remaining := make([]*ProjectMember, 0, len(existing))
	for _, pm := range existing {
		if pm.UserID == userID {
			target = pm
			continue
		}
		remaining = append(remaining, pm)
	}
	if target == nil {
		return false, ErrMemberNotFound
	}

	if err := transitionMember(&TeamMember{Status: target.Status}, MemberStatusRemoved); err != nil {
		return false, err
	}
	target.Status = MemberStatusRemoved

	now := s.now()
	updated := *project
	updated.MemberIDs = memberIDs(remaining)
	updated.UpdatedAt = now

	if err := s.repo.SaveProjectMemberWithProject(ctx, target, &updated); err != nil {
		return false, s.storeFailure("remove project member", err)
	}

	s.cache.Put(projectKey(projectID), &updated)
	s.logActivity(ctx, CollectionProjectActivities, docstore.Doc{
		"project_id": projectID,
		"team_id":    project.TeamID,
		"actor":      actor.UserID,
		"action":     "project_member_removed",
		"user_id":    userID,
	})
	return true, nil
}

// authorizeProjectChange permits the project manager, the creator, or a
// team member whose role can create projects.
func (s *Service) authorizeProjectChange(ctx context.Context, actor Actor, project *Project) error {
	if actor.UserID == "" {
		return ErrAuthenticationRequired
	}
	if actor.UserID == project.ProjectManager || actor.UserID == project.CreatedBy {
		// Still has to be an active team member.
		if _, err := s.resolveRole(ctx, project.TeamID, actor); err != nil {
			return err
		}
		return nil
	}
	role, err := s.resolveRole(ctx, project.TeamID, actor)
	if err != nil {
		return err
	}
	if !role.Can(CanCreateProjects) {
		return fmt.Errorf("%w: role %s cannot modify projects", ErrPermissionDenied, role)
	}
	return nil
}

func memberIDs(members []*ProjectMember) []string {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids
}
