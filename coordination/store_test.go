package coordination

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "coordination.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegisterAndListActiveAgents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, s.RegisterAgent(ctx, AgentRecord{
		ProjectID: "proj", SessionName: "a1", TaskID: "1",
		Branch: "task/1", Status: "working", StartedAt: now, LastHeartbeat: now,
	}))

	agents, err := s.ListActiveAgents(ctx, "proj")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a1", agents[0].SessionName)

	require.NoError(t, s.UnregisterAgent(ctx, "proj", "a1"))
	agents, err = s.ListActiveAgents(ctx, "proj")
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestHeartbeatAndLiveness(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.RegisterAgent(ctx, AgentRecord{
		ProjectID: "proj", SessionName: "a1", TaskID: "1",
		Status: "working", StartedAt: now, LastHeartbeat: now.Add(-3 * time.Minute),
	}))
	// RegisterAgent stamps the heartbeat with the current time; age it past LivenessTTL.
	_, err := s.db.ExecContext(ctx, "UPDATE agents SET last_heartbeat=? WHERE project_id=? AND session_name=?", now.Add(-3*time.Minute), "proj", "a1")
	require.NoError(t, err)

	agents, err := s.ListActiveAgents(ctx, "proj")
	require.NoError(t, err)
	assert.Empty(t, agents, "stale heartbeat should not be considered active")

	require.NoError(t, s.Heartbeat(ctx, "proj", "a1"))
	agents, err = s.ListActiveAgents(ctx, "proj")
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func TestAnnounceFileChangeLocking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	lock := FileLock{
		ProjectID: "proj", FilePath: "main.go", SessionName: "a1",
		Operation: "modify", AcquiredAt: now, TTLSeconds: 300,
	}
	holder, err := s.AnnounceFileChange(ctx, lock)
	require.NoError(t, err)
	assert.Empty(t, holder, "no conflict means no blocking holder reported")

	lock.SessionName = "a2"
	holder, err = s.AnnounceFileChange(ctx, lock)
	assert.ErrorIs(t, err, ErrAlreadyLocked)
	assert.Equal(t, "a1", holder)

	// Same holder re-announcing is idempotent.
	lock.SessionName = "a1"
	holder, err = s.AnnounceFileChange(ctx, lock)
	require.NoError(t, err)
	assert.Empty(t, holder)

	require.NoError(t, s.ReleaseFileLock(ctx, "proj", "a1", "main.go"))
	_, err = s.GetFileLock(ctx, "proj", "main.go")
	assert.Error(t, err)
}

func TestRegisterInterfaceConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	iface := Interface{ProjectID: "proj", Name: "UserAPI", Definition: "v1", AuthorSession: "a1", RegisteredAt: now}
	_, err := s.RegisterInterface(ctx, iface)
	require.NoError(t, err)

	iface.Definition = "v2"
	_, err = s.RegisterInterface(ctx, iface)
	require.NoError(t, err, "same author re-registering is idempotent")

	stored, err := s.QueryInterface(ctx, "proj", "UserAPI")
	require.NoError(t, err)
	assert.Equal(t, "v2", stored.Definition)

	iface.AuthorSession = "a2"
	existing, err := s.RegisterInterface(ctx, iface)
	assert.ErrorIs(t, err, ErrInterfaceConflict)
	assert.Equal(t, "a1", existing.AuthorSession)
}

func TestSendAndCheckMessages(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SendMessage(ctx, Message{
		ProjectID: "proj", RecipientSession: "a2", SenderSession: "a1",
		Type: "query", Body: "releasing main.go?",
	}))

	msgs, err := s.CheckMessages(ctx, "proj", "a2")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.NotEmpty(t, msgs[0].CorrelationID, "correlation id should be minted when absent")

	msgs, err = s.CheckMessages(ctx, "proj", "a2")
	require.NoError(t, err)
	assert.Empty(t, msgs, "messages are consumed on read")
}

func TestMarkAndConsumeCompletionNotice(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.ConsumeCompletionNotice(ctx, "proj", "1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkTaskCompleted(ctx, CompletionNotice{
		ProjectID: "proj", TaskID: "1", SessionName: "a1", CompletedAt: time.Now(),
	}))

	notice, ok, err := s.ConsumeCompletionNotice(ctx, "proj", "1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a1", notice.SessionName)

	_, ok, err = s.ConsumeCompletionNotice(ctx, "proj", "1")
	require.NoError(t, err)
	assert.False(t, ok, "notice is consumed on read")
}

func TestSweepStaleAgentsReleasesLocks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	stale := time.Now().Add(-3 * time.Minute)

	require.NoError(t, s.RegisterAgent(ctx, AgentRecord{
		ProjectID: "proj", SessionName: "a1", TaskID: "1",
		Status: "working", StartedAt: stale, LastHeartbeat: stale,
	}))
	_, err := s.AnnounceFileChange(ctx, FileLock{
		ProjectID: "proj", FilePath: "main.go", SessionName: "a1",
		Operation: "modify", AcquiredAt: stale, TTLSeconds: 3600,
	})
	require.NoError(t, err)
	// RegisterAgent stamps the heartbeat with the current time; age it past LivenessTTL.
	_, err = s.db.ExecContext(ctx, "UPDATE agents SET last_heartbeat=? WHERE project_id=? AND session_name=?", stale, "proj", "a1")
	require.NoError(t, err)

	n, err := s.SweepStaleAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetFileLock(ctx, "proj", "main.go")
	assert.Error(t, err, "stale agent's locks should be released by the sweep")
}
