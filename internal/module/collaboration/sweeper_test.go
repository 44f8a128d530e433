package collaboration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweeperSettlesExpiredInvitations(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	owner := ownerActor()
	team := mustCreateTeam(t, svc, owner, 0)
	invitation := mustInvite(t, svc, owner, team.ID, "invitee@example.com")

	svc.SetClock(func() time.Time { return time.Now().Add(8 * 24 * time.Hour) })

	sweeper := NewSweeper(svc, time.Hour, zap.NewNop())
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// The startup sweep runs immediately, long before the first tick.
	assert.Eventually(t, func() bool {
		stored, err := svc.GetInvitation(ctx, invitation.ID)
		return err == nil && stored.Status == InvitationStatusExpired
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSweeperStopWaitsForLoop(t *testing.T) {
	svc := newTestService(t)

	sweeper := NewSweeper(svc, time.Hour, zap.NewNop())
	sweeper.Start(context.Background())

	done := make(chan struct{})
	go func() {
		sweeper.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestSweeperDefaultInterval(t *testing.T) {
	svc := newTestService(t)
	sweeper := NewSweeper(svc, 0, zap.NewNop())
	require.Equal(t, time.Hour, sweeper.interval)
}
