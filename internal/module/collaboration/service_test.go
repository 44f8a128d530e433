package collaboration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teamflow/server/internal/cache"
	"github.com/teamflow/server/internal/docstore/memstore"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	store := memstore.New()
	t.Cleanup(store.Close)

	svc := NewServiceWithMultiplexer(
		NewRepository(store),
		cache.New(256),
		NopNotifier{},
		zap.NewNop(),
		Config{TokenSecret: "test-secret"},
	)
	t.Cleanup(svc.Multiplexer().Close)
	return svc
}

func ownerActor() Actor {
	return Actor{
		UserID:       "u-owner",
		Email:        "owner@example.com",
		DisplayName:  "Owner",
		PlatformRole: PlatformTeamMember,
	}
}

func memberActor(id string) Actor {
	return Actor{
		UserID:       id,
		Email:        id + "@example.com",
		PlatformRole: PlatformTeamMember,
	}
}

// mustCreateTeam builds a team with the given owner for member tests.
func mustCreateTeam(t *testing.T, svc *Service, owner Actor, maxMembers int) *Team {
	t.Helper()
	team, err := svc.CreateTeam(context.Background(), owner, &CreateTeamRequest{
		Name:       "engineering",
		MaxMembers: maxMembers,
	})
	require.NoError(t, err)
	return team
}

func mustAddMember(t *testing.T, svc *Service, actor Actor, teamID string, userID string, role Role) *TeamMember {
	t.Helper()
	member, err := svc.AddTeamMember(context.Background(), actor, teamID, &AddMemberRequest{
		UserID: userID,
		Role:   role,
		Email:  userID + "@example.com",
	})
	require.NoError(t, err)
	return member
}

func TestCreateTeam(t *testing.T) {
	ctx := context.Background()

	t.Run("creator becomes owner", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()

		team, err := svc.CreateTeam(ctx, owner, &CreateTeamRequest{Name: "engineering"})
		require.NoError(t, err)
		assert.Equal(t, owner.UserID, team.CreatedBy)
		assert.Equal(t, TeamStatusActive, team.Status)
		assert.Equal(t, VisibilityPrivate, team.Visibility)
		assert.Equal(t, 50, team.MaxMembers)
		assert.Equal(t, 1, team.TotalMembers)

		members, err := svc.ListTeamMembers(ctx, owner, team.ID)
		require.NoError(t, err)
		require.Len(t, members, 1)
		assert.Equal(t, RoleOwner, members[0].Role)
		assert.Equal(t, owner.UserID, members[0].UserID)
	})

	t.Run("viewer cannot create teams", func(t *testing.T) {
		svc := newTestService(t)
		viewer := Actor{UserID: "u-viewer", PlatformRole: PlatformViewer}

		_, err := svc.CreateTeam(ctx, viewer, &CreateTeamRequest{Name: "x"})
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		svc := newTestService(t)
		_, err := svc.CreateTeam(ctx, Actor{}, &CreateTeamRequest{Name: "x"})
		assert.ErrorIs(t, err, ErrAuthenticationRequired)
	})

	t.Run("empty name", func(t *testing.T) {
		svc := newTestService(t)
		_, err := svc.CreateTeam(ctx, ownerActor(), &CreateTeamRequest{})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestGetTeam(t *testing.T) {
	ctx := context.Background()

	t.Run("read your write", func(t *testing.T) {
		svc := newTestService(t)
		team := mustCreateTeam(t, svc, ownerActor(), 0)

		got, err := svc.GetTeam(ctx, team.ID)
		require.NoError(t, err)
		assert.Equal(t, team.Name, got.Name)
	})

	t.Run("unknown team", func(t *testing.T) {
		svc := newTestService(t)
		_, err := svc.GetTeam(ctx, "missing")
		assert.ErrorIs(t, err, ErrTeamNotFound)
	})
}

func TestUpdateTeam(t *testing.T) {
	ctx := context.Background()

	t.Run("owner patches fields", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)

		name := "platform"
		status := TeamStatusArchived
		updated, err := svc.UpdateTeam(ctx, owner, team.ID, &UpdateTeamRequest{
			Name:   &name,
			Status: &status,
		})
		require.NoError(t, err)
		assert.Equal(t, "platform", updated.Name)
		assert.Equal(t, TeamStatusArchived, updated.Status)

		// Untouched fields survive the patch.
		assert.Equal(t, team.MaxMembers, updated.MaxMembers)

		got, err := svc.GetTeam(ctx, team.ID)
		require.NoError(t, err)
		assert.Equal(t, "platform", got.Name)
	})

	t.Run("plain member cannot manage the team", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)
		mustAddMember(t, svc, owner, team.ID, "u-bob", RoleMember)

		name := "x"
		_, err := svc.UpdateTeam(ctx, memberActor("u-bob"), team.ID, &UpdateTeamRequest{Name: &name})
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})

	t.Run("outsider is denied", func(t *testing.T) {
		svc := newTestService(t)
		team := mustCreateTeam(t, svc, ownerActor(), 0)

		name := "x"
		_, err := svc.UpdateTeam(ctx, memberActor("u-stranger"), team.ID, &UpdateTeamRequest{Name: &name})
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})

	t.Run("platform admin overrides team membership", func(t *testing.T) {
		svc := newTestService(t)
		team := mustCreateTeam(t, svc, ownerActor(), 0)

		admin := Actor{UserID: "u-platform", PlatformRole: PlatformAdmin}
		name := "renamed"
		updated, err := svc.UpdateTeam(ctx, admin, team.ID, &UpdateTeamRequest{Name: &name})
		require.NoError(t, err)
		assert.Equal(t, "renamed", updated.Name)
	})
}

func TestDeleteTeam(t *testing.T) {
	ctx := context.Background()

	t.Run("owner deletes with cascade", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)
		mustAddMember(t, svc, owner, team.ID, "u-bob", RoleMember)

		project, err := svc.CreateProject(ctx, owner, &CreateProjectRequest{
			TeamID: team.ID,
			Name:   "rollout",
		})
		require.NoError(t, err)
		invitation := mustInvite(t, svc, owner, team.ID, "late@example.com")

		ok, err := svc.DeleteTeam(ctx, owner, team.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		_, err = svc.GetTeam(ctx, team.ID)
		assert.ErrorIs(t, err, ErrTeamNotFound)
		_, err = svc.GetProject(ctx, project.ID)
		assert.ErrorIs(t, err, ErrProjectNotFound)
		_, err = svc.GetInvitation(ctx, invitation.ID)
		assert.ErrorIs(t, err, ErrInvitationNotFound)
	})

	t.Run("creator without a membership record can still delete", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)

		// Simulate drift where the creator's member record was lost.
		member, err := svc.repo.GetActiveMember(ctx, team.ID, owner.UserID)
		require.NoError(t, err)
		member.Status = MemberStatusRemoved
		require.NoError(t, svc.repo.SaveMember(ctx, member))
		svc.cache.Invalidate(memberKey(team.ID, owner.UserID))

		ok, err := svc.DeleteTeam(ctx, owner, team.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = svc.GetTeam(ctx, team.ID)
		assert.ErrorIs(t, err, ErrTeamNotFound)
	})

	t.Run("admin cannot delete", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)
		mustAddMember(t, svc, owner, team.ID, "u-admin", RoleAdmin)

		_, err := svc.DeleteTeam(ctx, memberActor("u-admin"), team.ID)
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})
}

func TestAddTeamMember(t *testing.T) {
	ctx := context.Background()

	t.Run("owner adds member and the count updates", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)

		member := mustAddMember(t, svc, owner, team.ID, "u-bob", RoleMember)
		assert.Equal(t, MemberStatusActive, member.Status)
		assert.Equal(t, RoleMember, member.Role)

		got, err := svc.GetTeam(ctx, team.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.TotalMembers)
	})

	t.Run("duplicate active membership", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)
		mustAddMember(t, svc, owner, team.ID, "u-bob", RoleMember)

		_, err := svc.AddTeamMember(ctx, owner, team.ID, &AddMemberRequest{UserID: "u-bob", Role: RoleMember})
		assert.ErrorIs(t, err, ErrAlreadyMember)
	})

	t.Run("owner role cannot be granted", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)

		_, err := svc.AddTeamMember(ctx, owner, team.ID, &AddMemberRequest{UserID: "u-bob", Role: RoleOwner})
		assert.ErrorIs(t, err, ErrInvalidRole)
	})

	t.Run("admin cannot grant admin", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)
		mustAddMember(t, svc, owner, team.ID, "u-admin", RoleAdmin)

		_, err := svc.AddTeamMember(ctx, memberActor("u-admin"), team.ID, &AddMemberRequest{UserID: "u-bob", Role: RoleAdmin})
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})

	t.Run("capacity is enforced", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 2)
		mustAddMember(t, svc, owner, team.ID, "u-bob", RoleMember)

		_, err := svc.AddTeamMember(ctx, owner, team.ID, &AddMemberRequest{UserID: "u-carol", Role: RoleMember})
		assert.ErrorIs(t, err, ErrCapacityExceeded)
	})

	t.Run("archived team rejects members", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)

		status := TeamStatusArchived
		_, err := svc.UpdateTeam(ctx, owner, team.ID, &UpdateTeamRequest{Status: &status})
		require.NoError(t, err)

		_, err = svc.AddTeamMember(ctx, owner, team.ID, &AddMemberRequest{UserID: "u-bob", Role: RoleMember})
		assert.ErrorIs(t, err, ErrTeamArchived)
	})
}

func TestRemoveTeamMember(t *testing.T) {
	ctx := context.Background()

	t.Run("owner cannot be removed", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)

		_, err := svc.RemoveTeamMember(ctx, owner, team.ID, owner.UserID)
		assert.ErrorIs(t, err, ErrCannotRemoveOwner)
	})

	t.Run("admin removes member and the count updates", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)
		mustAddMember(t, svc, owner, team.ID, "u-bob", RoleMember)

		ok, err := svc.RemoveTeamMember(ctx, owner, team.ID, "u-bob")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := svc.GetTeam(ctx, team.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.TotalMembers)

		members, err := svc.ListTeamMembers(ctx, owner, team.ID)
		require.NoError(t, err)
		assert.Len(t, members, 1)
	})

	t.Run("member may leave on their own", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)
		mustAddMember(t, svc, owner, team.ID, "u-bob", RoleMember)

		ok, err := svc.LeaveTeam(ctx, memberActor("u-bob"), team.ID)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("member cannot remove others", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)
		mustAddMember(t, svc, owner, team.ID, "u-bob", RoleMember)
		mustAddMember(t, svc, owner, team.ID, "u-carol", RoleMember)

		_, err := svc.RemoveTeamMember(ctx, memberActor("u-bob"), team.ID, "u-carol")
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})

	t.Run("removed member loses access", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)
		mustAddMember(t, svc, owner, team.ID, "u-bob", RoleMember)

		_, err := svc.RemoveTeamMember(ctx, owner, team.ID, "u-bob")
		require.NoError(t, err)

		_, err = svc.ListTeamMembers(ctx, memberActor("u-bob"), team.ID)
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})
}

func TestMembershipUniqueUnderContention(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	owner := ownerActor()
	team := mustCreateTeam(t, svc, owner, 0)

	// Interleave adds and removes of the same user from many goroutines.
	// Individual calls may fail (duplicate, not found); the store must
	// never end up with more than one active record for the pair.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.AddTeamMember(ctx, owner, team.ID, &AddMemberRequest{
				UserID: "u-flip",
				Email:  "u-flip@example.com",
				Role:   RoleMember,
			})
			svc.RemoveTeamMember(ctx, owner, team.ID, "u-flip")
		}()
	}
	wg.Wait()

	members, err := svc.ListTeamMembers(ctx, owner, team.ID)
	require.NoError(t, err)
	active := 0
	for _, m := range members {
		if m.UserID == "u-flip" {
			active++
		}
	}
	assert.LessOrEqual(t, active, 1, "one active membership per user at most")
}

func TestUpdateMemberRole(t *testing.T) {
	ctx := context.Background()

	t.Run("owner promotes member", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)
		mustAddMember(t, svc, owner, team.ID, "u-bob", RoleMember)

		updated, err := svc.UpdateMemberRole(ctx, owner, team.ID, "u-bob", RoleManager)
		require.NoError(t, err)
		assert.Equal(t, RoleManager, updated.Role)
	})

	t.Run("owner role is immutable", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)
		mustAddMember(t, svc, owner, team.ID, "u-bob", RoleAdmin)

		_, err := svc.UpdateMemberRole(ctx, owner, team.ID, owner.UserID, RoleAdmin)
		assert.ErrorIs(t, err, ErrCannotChangeOwnerRole)

		_, err = svc.UpdateMemberRole(ctx, owner, team.ID, "u-bob", RoleOwner)
		assert.ErrorIs(t, err, ErrCannotChangeOwnerRole)
	})

	t.Run("member cannot change roles", func(t *testing.T) {
		svc := newTestService(t)
		owner := ownerActor()
		team := mustCreateTeam(t, svc, owner, 0)
		mustAddMember(t, svc, owner, team.ID, "u-bob", RoleMember)
		mustAddMember(t, svc, owner, team.ID, "u-carol", RoleMember)

		_, err := svc.UpdateMemberRole(ctx, memberActor("u-bob"), team.ID, "u-carol", RoleGuest)
		assert.ErrorIs(t, err, ErrPermissionDenied)
	})
}

func TestListenToTeam(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	owner := ownerActor()
	team := mustCreateTeam(t, svc, owner, 0)

	handle, err := svc.ListenToTeam(ctx, team.ID)
	require.NoError(t, err)
	defer handle.Cancel()

	// Initial snapshot.
	ev := waitEvent(t, handle.Events())
	require.NoError(t, ev.Err)
	require.Len(t, ev.Records, 1)

	name := "renamed"
	_, err = svc.UpdateTeam(ctx, owner, team.ID, &UpdateTeamRequest{Name: &name})
	require.NoError(t, err)

	ev = waitEvent(t, handle.Events())
	require.NoError(t, ev.Err)
	require.Len(t, ev.Records, 1)
	assert.Equal(t, "renamed", ev.Records[0].Data["name"])
}

func TestListenToTeamMembers(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	owner := ownerActor()
	team := mustCreateTeam(t, svc, owner, 0)

	handle, err := svc.ListenToTeamMembers(ctx, team.ID)
	require.NoError(t, err)
	defer handle.Cancel()

	ev := waitEvent(t, handle.Events())
	require.NoError(t, ev.Err)
	require.Len(t, ev.Records, 1, "snapshot holds the owner membership")

	mustAddMember(t, svc, owner, team.ID, "u-bob", RoleMember)

	ev = waitEvent(t, handle.Events())
	require.NoError(t, ev.Err)
	assert.Len(t, ev.Records, 2)
}

func waitEvent[E any](t *testing.T, ch <-chan E) E {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero E
		return zero
	}
}
