package round

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyfold/storyfold/internal/events"
	"github.com/storyfold/storyfold/internal/gameerr"
)

// restart simulates a process restart: a fresh engine and supervisor over the
// same durable state, with the old process's timers gone.
func (r *rig) restart(code string) (*Engine, *Supervisor) {
	r.engine.Scheduler().Cancel(code)
	engine := NewEngine(r.store, r.pub, r.clock, r.engine.defaults)
	return engine, NewSupervisor(engine, r.store, r.clock)
}

// A round whose deadline elapsed while the server was down advances as soon
// as recovery runs.
func TestRecoverAdvancesElapsedRound(t *testing.T) {
	r := newRig(t, timedSettings(60))
	code, users := r.newLobby(2)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)
	require.Equal(t, 1, r.lobby(code).Round)

	_, sup := r.restart(code)
	r.clock.Advance(5 * time.Minute)

	require.NoError(t, sup.RecoverOnStartup(r.ctx))

	lobby := r.lobby(code)
	assert.Equal(t, 2, lobby.Round)
	require.NotNil(t, lobby.RoundEndAt)
	assert.True(t, lobby.RoundEndAt.After(r.clock.Now()))
}

// A round still inside its window gets its timer re-armed for the remainder.
func TestRecoverRearmsRunningRound(t *testing.T) {
	r := newRig(t, timedSettings(60))
	code, users := r.newLobby(2)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)

	engine2, sup := r.restart(code)
	r.clock.Advance(10 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine2.Run(ctx)

	require.NoError(t, sup.RecoverOnStartup(r.ctx))
	require.Equal(t, 1, r.lobby(code).Round)

	r.clock.BlockUntil(1)
	r.clock.Advance(startGrace + 60*time.Second)

	require.Eventually(t, func() bool {
		return r.lobby(code).Round == 2
	}, 2*time.Second, 10*time.Millisecond)
}

// Untimed lobbies are left alone by recovery.
func TestRecoverSkipsUntimedRound(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(2)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)

	_, sup := r.restart(code)
	r.clock.Advance(time.Hour)
	require.NoError(t, sup.RecoverOnStartup(r.ctx))

	assert.Equal(t, 1, r.lobby(code).Round)
}

func TestRecoverEvictsInactiveUsers(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(2)

	_, sup := r.restart(code)
	r.clock.Advance(10 * time.Minute)
	require.NoError(t, sup.RecoverOnStartup(r.ctx))

	// Both members were stale; the emptied lobby is gone with them.
	_, err := r.store.GetLobby(r.ctx, code)
	assert.ErrorIs(t, err, gameerr.ErrLobbyNotFound)
	for _, u := range users {
		_, err := r.store.GetUser(r.ctx, u)
		assert.ErrorIs(t, err, gameerr.ErrUserNotFound)
	}
}

// Mid-game members are never swept: their slot keeps collecting placeholders
// and they may still reconnect.
func TestRecoverKeepsMidGameUsers(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(2)
	_, err := r.engine.StartGame(r.ctx, users[0], code)
	require.NoError(t, err)

	_, sup := r.restart(code)
	r.clock.Advance(10 * time.Minute)
	require.NoError(t, sup.RecoverOnStartup(r.ctx))

	members, err := r.store.ListMembers(r.ctx, code)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

// A disconnect that outlives the grace window turns into a leave.
func TestDisconnectGraceEvicts(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(2)
	sup := NewSupervisor(r.engine, r.store, r.clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.NoteDisconnect(ctx, users[1])
	r.clock.BlockUntil(1)
	r.clock.Advance(DefaultDisconnectGrace)

	require.Eventually(t, func() bool {
		members, err := r.store.ListMembers(r.ctx, code)
		return err == nil && len(members) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// Reconnecting inside the grace window cancels the eviction.
func TestReconnectCancelsGrace(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(2)
	sup := NewSupervisor(r.engine, r.store, r.clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.NoteDisconnect(ctx, users[1])
	r.clock.BlockUntil(1)
	sup.NoteReconnect(users[1])
	r.clock.Advance(DefaultDisconnectGrace + time.Second)

	time.Sleep(50 * time.Millisecond)
	members, err := r.store.ListMembers(r.ctx, code)
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

// The host leaving through a grace eviction hands the lobby to the remaining
// member via the normal leave path.
func TestDisconnectGraceReassignsHost(t *testing.T) {
	r := newRig(t, untimedSettings())
	code, users := r.newLobby(2)
	sup := NewSupervisor(r.engine, r.store, r.clock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.NoteDisconnect(ctx, users[0])
	r.clock.BlockUntil(1)
	r.clock.Advance(DefaultDisconnectGrace)

	require.Eventually(t, func() bool {
		lobby, err := r.store.GetLobby(r.ctx, code)
		return err == nil && lobby.HostUserID == users[1]
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, r.pub.Types(), events.TypeUserLeft)
}
