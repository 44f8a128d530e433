package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/teamflow/server/internal/docstore"
)

// Repository defines data access for the collaboration module. All writes
// that touch more than one document go through store batches so they commit
// atomically.
type Repository interface {
	// Team operations
	CreateTeamWithOwner(ctx context.Context, team *Team, owner *TeamMember) error
	GetTeam(ctx context.Context, id string) (*Team, error)
	SaveTeam(ctx context.Context, team *Team) error
	DeleteTeamCascade(ctx context.Context, teamID string) error

	// Member operations
	GetActiveMember(ctx context.Context, teamID, userID string) (*TeamMember, error)
	ListMembers(ctx context.Context, teamID string, activeOnly bool) ([]*TeamMember, error)
	CountActiveMembers(ctx context.Context, teamID string) (int, error)
	InsertMember(ctx context.Context, member *TeamMember, team *Team) error
	SaveMember(ctx context.Context, member *TeamMember) error
	SaveMemberWithTeam(ctx context.Context, member *TeamMember, team *Team) error

	// Project operations
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	SaveProject(ctx context.Context, project *Project) error
	ListTeamProjects(ctx context.Context, teamID string) ([]*Project, error)
	DeleteProjectCascade(ctx context.Context, projectID string) error
	InsertProjectMember(ctx context.Context, member *ProjectMember, project *Project) error
	SaveProjectMemberWithProject(ctx context.Context, member *ProjectMember, project *Project) error
	ListProjectMembers(ctx context.Context, projectID string, activeOnly bool) ([]*ProjectMember, error)

	// Invitation operations
	CreateInvitation(ctx context.Context, invitation *TeamInvitation) error
	GetInvitation(ctx context.Context, id string) (*TeamInvitation, error)
	SaveInvitation(ctx context.Context, invitation *TeamInvitation) error
	FindPendingInvitation(ctx context.Context, teamID, email string) (*TeamInvitation, error)
	ListTeamInvitations(ctx context.Context, teamID string) ([]*TeamInvitation, error)
	ListUserInvitations(ctx context.Context, email string) ([]*TeamInvitation, error)
	FindActiveMemberByEmail(ctx context.Context, teamID, email string) (*TeamMember, error)
	ListPendingExpiredBefore(ctx context.Context, cutoff time.Time) ([]*TeamInvitation, error)
	ExpireInvitations(ctx context.Context, ids []string, respondedAt time.Time) error
	AcceptInvitationBatch(ctx context.Context, invitation *TeamInvitation, member *TeamMember, team *Team) error

	// Activity log, best-effort append-only.
	AppendActivity(ctx context.Context, collection string, activity docstore.Doc) error

	// Live streams backing the subscription multiplexer.
	OpenTeamStream(ctx context.Context, teamID string) (docstore.Stream, error)
	OpenTeamMembersStream(ctx context.Context, teamID string) (docstore.Stream, error)
	OpenProjectStream(ctx context.Context, projectID string) (docstore.Stream, error)
	OpenTeamInvitationsStream(ctx context.Context, teamID string) (docstore.Stream, error)
	OpenUserInvitationsStream(ctx context.Context, email string) (docstore.Stream, error)
}

// repository implements Repository against a docstore.Store.
type repository struct {
	store docstore.Store
}

// NewRepository creates a docstore-backed collaboration repository.
func NewRepository(store docstore.Store) Repository {
	return &repository{store: store}
}

// ========== Teams ==========

func (r *repository) CreateTeamWithOwner(ctx context.Context, team *Team, owner *TeamMember) error {
	batch := r.store.Batch()
	batch.Add(CollectionTeams, team.ID, encode(team))
	batch.Add(CollectionTeamMembers, owner.ID, encode(owner))
	return batch.Commit(ctx)
}

func (r *repository) GetTeam(ctx context.Context, id string) (*Team, error) {
	doc, err := r.store.Get(ctx, CollectionTeams, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrTeamNotFound
		}
		return nil, err
	}
	return decodeTeam(doc)
}

func (r *repository) SaveTeam(ctx context.Context, team *Team) error {
	err := r.store.Update(ctx, CollectionTeams, team.ID, encode(team))
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrTeamNotFound
	}
	return err
}

// DeleteTeamCascade hard-deletes a team together with every membership,
// project, project membership, and invitation that belongs to it, in a
// single atomic batch.
func (r *repository) DeleteTeamCascade(ctx context.Context, teamID string) error {
	members, err := r.ListMembers(ctx, teamID, false)
	if err != nil {
		return err
	}
	projects, err := r.ListTeamProjects(ctx, teamID)
	if err != nil {
		return err
	}
	invitations, err := r.ListTeamInvitations(ctx, teamID)
	if err != nil {
		return err
	}

	batch := r.store.Batch()
	batch.Delete(CollectionTeams, teamID)
	for _, m := range members {
		batch.Delete(CollectionTeamMembers, m.ID)
	}
	for _, p := range projects {
		batch.Delete(CollectionProjects, p.ID)
		projectMembers, err := r.ListProjectMembers(ctx, p.ID, false)
		if err != nil {
			return err
		}
		for _, pm := range projectMembers {
			batch.Delete(CollectionProjectMembers, pm.ID)
		}
	}
	for _, inv := range invitations {
		batch.Delete(CollectionTeamInvitations, inv.ID)
	}
	return batch.Commit(ctx)
}

// ========== Members ==========

func (r *repository) GetActiveMember(ctx context.Context, teamID, userID string) (*TeamMember, error) {
	records, err := r.store.Find(ctx, docstore.Query{
		Collection: CollectionTeamMembers,
		Filters: []docstore.Filter{
			docstore.Where("team_id", docstore.OpEqual, teamID),
			docstore.Where("user_id", docstore.OpEqual, userID),
			docstore.Where("status", docstore.OpEqual, string(MemberStatusActive)),
		},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrMemberNotFound
	}
	return decodeMember(records[0].Data)
}

func (r *repository) ListMembers(ctx context.Context, teamID string, activeOnly bool) ([]*TeamMember, error) {
	filters := []docstore.Filter{
		docstore.Where("team_id", docstore.OpEqual, teamID),
	}
	if activeOnly {
		filters = append(filters, docstore.Where("status", docstore.OpEqual, string(MemberStatusActive)))
	}
	records, err := r.store.Find(ctx, docstore.Query{
		Collection: CollectionTeamMembers,
		Filters:    filters,
		OrderBy:    "joined_at",
	})
	if err != nil {
		return nil, err
	}
	members := make([]*TeamMember, 0, len(records))
	for _, rec := range records {
		m, err := decodeMember(rec.Data)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, nil
}

func (r *repository) CountActiveMembers(ctx context.Context, teamID string) (int, error) {
	members, err := r.ListMembers(ctx, teamID, true)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// InsertMember adds a membership and writes the team's recomputed member
// count in the same batch.
func (r *repository) InsertMember(ctx context.Context, member *TeamMember, team *Team) error {
	batch := r.store.Batch()
	batch.Add(CollectionTeamMembers, member.ID, encode(member))
	batch.Update(CollectionTeams, team.ID, encode(team))
	return batch.Commit(ctx)
}

func (r *repository) SaveMember(ctx context.Context, member *TeamMember) error {
	err := r.store.Update(ctx, CollectionTeamMembers, member.ID, encode(member))
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrMemberNotFound
	}
	return err
}

// SaveMemberWithTeam updates a membership and the parent team atomically.
func (r *repository) SaveMemberWithTeam(ctx context.Context, member *TeamMember, team *Team) error {
	batch := r.store.Batch()
	batch.Update(CollectionTeamMembers, member.ID, encode(member))
	batch.Update(CollectionTeams, team.ID, encode(team))
	return batch.Commit(ctx)
}

// ========== Projects ==========

func (r *repository) CreateProject(ctx context.Context, project *Project) error {
	batch := r.store.Batch()
	batch.Add(CollectionProjects, project.ID, encode(project))
	return batch.Commit(ctx)
}

func (r *repository) GetProject(ctx context.Context, id string) (*Project, error) {
	doc, err := r.store.Get(ctx, CollectionProjects, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return decodeProject(doc)
}

func (r *repository) SaveProject(ctx context.Context, project *Project) error {
	err := r.store.Update(ctx, CollectionProjects, project.ID, encode(project))
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrProjectNotFound
	}
	return err
}

func (r *repository) ListTeamProjects(ctx context.Context, teamID string) ([]*Project, error) {
	records, err := r.store.Find(ctx, docstore.Query{
		Collection: CollectionProjects,
		Filters: []docstore.Filter{
			docstore.Where("team_id", docstore.OpEqual, teamID),
		},
	})
	if err != nil {
		return nil, err
	}
	projects := make([]*Project, 0, len(records))
	for _, rec := range records {
		p, err := decodeProject(rec.Data)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

func (r *repository) DeleteProjectCascade(ctx context.Context, projectID string) error {
	members, err := r.ListProjectMembers(ctx, projectID, false)
	if err != nil {
		return err
	}
	batch := r.store.Batch()
	batch.Delete(CollectionProjects, projectID)
	for _, pm := range members {
		batch.Delete(CollectionProjectMembers, pm.ID)
	}
	return batch.Commit(ctx)
}

func (r *repository) InsertProjectMember(ctx context.Context, member *ProjectMember, project *Project) error {
	batch := r.store.Batch()
	batch.Add(CollectionProjectMembers, member.ID, encode(member))
	batch.Update(CollectionProjects, project.ID, encode(project))
	return batch.Commit(ctx)
}

func (r *repository) SaveProjectMemberWithProject(ctx context.Context, member *ProjectMember, project *Project) error {
	batch := r.store.Batch()
	batch.Update(CollectionProjectMembers, member.ID, encode(member))
	batch.Update(CollectionProjects, project.ID, encode(project))
	return batch.Commit(ctx)
}

func (r *repository) ListProjectMembers(ctx context.Context, projectID string, activeOnly bool) ([]*ProjectMember, error) {
	filters := []docstore.Filter{
		docstore.Where("project_id", docstore.OpEqual, projectID),
	}
	if activeOnly {
		filters = append(filters, docstore.Where("status", docstore.OpEqual, string(MemberStatusActive)))
	}
	records, err := r.store.Find(ctx, docstore.Query{
		Collection: CollectionProjectMembers,
		Filters:    filters,
		OrderBy:    "joined_at",
	})
	if err != nil {
		return nil, err
	}
	members := make([]*ProjectMember, 0, len(records))
	for _, rec := range records {
		var pm ProjectMember
		if err := decodeInto(rec.Data, &pm); err != nil {
			return nil, err
		}
		members = append(members, &pm)
	}
	return members, nil
}

// ========== Invitations ==========

func (r *repository) CreateInvitation(ctx context.Context, invitation *TeamInvitation) error {
	batch := r.store.Batch()
	batch.Add(CollectionTeamInvitations, invitation.ID, encode(invitation))
	return batch.Commit(ctx)
}

func (r *repository) GetInvitation(ctx context.Context, id string) (*TeamInvitation, error) {
	doc, err := r.store.Get(ctx, CollectionTeamInvitations, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, ErrInvitationNotFound
		}
		return nil, err
	}
	return decodeInvitation(doc)
}

func (r *repository) SaveInvitation(ctx context.Context, invitation *TeamInvitation) error {
	err := r.store.Update(ctx, CollectionTeamInvitations, invitation.ID, encode(invitation))
	if errors.Is(err, docstore.ErrNotFound) {
		return ErrInvitationNotFound
	}
	return err
}

// FindPendingInvitation returns the pending invitation for (team, email), or
// nil when none exists.
func (r *repository) FindPendingInvitation(ctx context.Context, teamID, email string) (*TeamInvitation, error) {
	records, err := r.store.Find(ctx, docstore.Query{
		Collection: CollectionTeamInvitations,
		Filters: []docstore.Filter{
			docstore.Where("team_id", docstore.OpEqual, teamID),
			docstore.Where("invitee_email", docstore.OpEqual, email),
			docstore.Where("status", docstore.OpEqual, string(InvitationStatusPending)),
		},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return decodeInvitation(records[0].Data)
}

// FindActiveMemberByEmail returns the active member with the given email, or
// nil when none exists.
func (r *repository) FindActiveMemberByEmail(ctx context.Context, teamID, email string) (*TeamMember, error) {
	records, err := r.store.Find(ctx, docstore.Query{
		Collection: CollectionTeamMembers,
		Filters: []docstore.Filter{
			docstore.Where("team_id", docstore.OpEqual, teamID),
			docstore.Where("email", docstore.OpEqual, email),
			docstore.Where("status", docstore.OpEqual, string(MemberStatusActive)),
		},
		Limit: 1,
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return decodeMember(records[0].Data)
}

func (r *repository) ListPendingExpiredBefore(ctx context.Context, cutoff time.Time) ([]*TeamInvitation, error) {
	records, err := r.store.Find(ctx, docstore.Query{
		Collection: CollectionTeamInvitations,
		Filters: []docstore.Filter{
			docstore.Where("status", docstore.OpEqual, string(InvitationStatusPending)),
			docstore.Where("expires_at", docstore.OpLess, cutoff.UTC().Format(time.RFC3339Nano)),
		},
	})
	if err != nil {
		return nil, err
	}
	return decodeInvitationRecords(records)
}

// ExpireInvitations bulk-transitions invitations to expired.
func (r *repository) ExpireInvitations(ctx context.Context, ids []string, respondedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	batch := r.store.Batch()
	for _, id := range ids {
		batch.Update(CollectionTeamInvitations, id, docstore.Doc{
			"status":       string(InvitationStatusExpired),
			"responded_at": respondedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return batch.Commit(ctx)
}

// AcceptInvitationBatch atomically marks the invitation accepted, creates
// the membership, and writes the team's recomputed member count.
func (r *repository) AcceptInvitationBatch(ctx context.Context, invitation *TeamInvitation, member *TeamMember, team *Team) error {
	batch := r.store.Batch()
	batch.Update(CollectionTeamInvitations, invitation.ID, encode(invitation))
	batch.Add(CollectionTeamMembers, member.ID, encode(member))
	batch.Update(CollectionTeams, team.ID, encode(team))
	return batch.Commit(ctx)
}

// ListTeamInvitations lists every invitation for a team, newest first.
func (r *repository) ListTeamInvitations(ctx context.Context, teamID string) ([]*TeamInvitation, error) {
	records, err := r.store.Find(ctx, docstore.Query{
		Collection: CollectionTeamInvitations,
		Filters: []docstore.Filter{
			docstore.Where("team_id", docstore.OpEqual, teamID),
		},
		OrderBy:    "created_at",
		Descending: true,
	})
	if err != nil {
		return nil, err
	}
	return decodeInvitationRecords(records)
}

// ListUserInvitations lists the pending invitations addressed to an email.
func (r *repository) ListUserInvitations(ctx context.Context, email string) ([]*TeamInvitation, error) {
	records, err := r.store.Find(ctx, docstore.Query{
		Collection: CollectionTeamInvitations,
		Filters: []docstore.Filter{
			docstore.Where("invitee_email", docstore.OpEqual, email),
			docstore.Where("status", docstore.OpEqual, string(InvitationStatusPending)),
		},
		OrderBy:    "created_at",
		Descending: true,
	})
	if err != nil {
		return nil, err
	}
	return decodeInvitationRecords(records)
}

func decodeInvitationRecords(records []docstore.Record) ([]*TeamInvitation, error) {
	invitations := make([]*TeamInvitation, 0, len(records))
	for _, rec := range records {
		inv, err := decodeInvitation(rec.Data)
		if err != nil {
			return nil, err
		}
		invitations = append(invitations, inv)
	}
	return invitations, nil
}

// ========== Activity log ==========

func (r *repository) AppendActivity(ctx context.Context, collection string, activity docstore.Doc) error {
	_, err := r.store.Add(ctx, collection, activity)
	return err
}

// ========== Live streams ==========

func (r *repository) OpenTeamStream(ctx context.Context, teamID string) (docstore.Stream, error) {
	return r.store.LiveDocument(ctx, CollectionTeams, teamID)
}

func (r *repository) OpenTeamMembersStream(ctx context.Context, teamID string) (docstore.Stream, error) {
	return r.store.LiveQuery(ctx, docstore.Query{
		Collection: CollectionTeamMembers,
		Filters: []docstore.Filter{
			docstore.Where("team_id", docstore.OpEqual, teamID),
			docstore.Where("status", docstore.OpEqual, string(MemberStatusActive)),
		},
		OrderBy: "joined_at",
	})
}

func (r *repository) OpenProjectStream(ctx context.Context, projectID string) (docstore.Stream, error) {
	return r.store.LiveDocument(ctx, CollectionProjects, projectID)
}

func (r *repository) OpenTeamInvitationsStream(ctx context.Context, teamID string) (docstore.Stream, error) {
	return r.store.LiveQuery(ctx, docstore.Query{
		Collection: CollectionTeamInvitations,
		Filters: []docstore.Filter{
			docstore.Where("team_id", docstore.OpEqual, teamID),
		},
	})
}

func (r *repository) OpenUserInvitationsStream(ctx context.Context, email string) (docstore.Stream, error) {
	return r.store.LiveQuery(ctx, docstore.Query{
		Collection: CollectionTeamInvitations,
		Filters: []docstore.Filter{
			docstore.Where("invitee_email", docstore.OpEqual, email),
			docstore.Where("status", docstore.OpEqual, string(InvitationStatusPending)),
		},
	})
}

// ========== Codec ==========

// encode converts an entity to a store document through its JSON form.
func encode(v any) docstore.Doc {
	raw, err := json.Marshal(v)
	if err != nil {
		// Entities are plain structs; a marshal failure is a programming
		// error.
		panic(fmt.Sprintf("encode entity: %v", err))
	}
	var doc docstore.Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		panic(fmt.Sprintf("encode entity: %v", err))
	}
	return doc
}

func decodeInto(doc docstore.Doc, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func decodeTeam(doc docstore.Doc) (*Team, error) {
	var t Team
	if err := decodeInto(doc, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeMember(doc docstore.Doc) (*TeamMember, error) {
	var m TeamMember
	if err := decodeInto(doc, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func decodeProject(doc docstore.Doc) (*Project, error) {
	var p Project
	if err := decodeInto(doc, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func decodeInvitation(doc docstore.Doc) (*TeamInvitation, error) {
	var i TeamInvitation
	if err := decodeInto(doc, &i); err != nil {
		return nil, err
	}
	return &i, nil
}

// DecodeMembers converts raw live-query records to members, skipping records
// that fail to decode.
func DecodeMembers(records []docstore.Record) []*TeamMember {
	members := make([]*TeamMember, 0, len(records))
	for _, rec := range records {
		m, err := decodeMember(rec.Data)
		if err != nil {
			continue
		}
		members = append(members, m)
	}
	return members
}

// DecodeInvitations converts raw live-query records to invitations, skipping
// records that fail to decode.
func DecodeInvitations(records []docstore.Record) []*TeamInvitation {
	invitations := make([]*TeamInvitation, 0, len(records))
	for _, rec := range records {
		inv, err := decodeInvitation(rec.Data)
		if err != nil {
			continue
		}
		invitations = append(invitations, inv)
	}
	return invitations
}
