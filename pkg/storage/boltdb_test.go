package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/rollout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id, service string, startedAt time.Time) *types.DeploymentRecord {
	return &types.DeploymentRecord{
		ID:                id,
		ServiceName:       service,
		ClusterARN:        "prod",
		TaskDefinitionARN: service + ":7",
		State:             types.DeploymentStateSucceeded,
		StartedAt:         startedAt,
		FinishedAt:        startedAt.Add(time.Minute),
	}
}

func TestSaveAndGetDeployment(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	rec := record("run-1", "web", now)
	rec.PriorTaskDefinitionARN = "web:6"
	rec.FailureTally = 2
	rec.RollbackIssued = true
	require.NoError(t, store.SaveDeployment(rec))

	got, err := store.GetDeployment("run-1")
	require.NoError(t, err)
	assert.Equal(t, "web", got.ServiceName)
	assert.Equal(t, "web:6", got.PriorTaskDefinitionARN)
	assert.Equal(t, 2, got.FailureTally)
	assert.True(t, got.RollbackIssued)
	assert.True(t, now.Equal(got.StartedAt))
	assert.Equal(t, time.Minute, got.Duration())
}

func TestSaveDeploymentUpserts(t *testing.T) {
	store := newTestStore(t)
	rec := record("run-1", "web", time.Now())
	require.NoError(t, store.SaveDeployment(rec))

	rec.State = types.DeploymentStateFailed
	rec.Error = "rollback did not converge"
	require.NoError(t, store.SaveDeployment(rec))

	all, err := store.ListDeployments()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, types.DeploymentStateFailed, all[0].State)
	assert.Equal(t, "rollback did not converge", all[0].Error)
}

func TestSaveDeploymentRequiresID(t *testing.T) {
	store := newTestStore(t)
	assert.Error(t, store.SaveDeployment(&types.DeploymentRecord{ServiceName: "web"}))
}

func TestGetDeploymentNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetDeployment("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteDeployment("missing"), ErrNotFound)
}

func TestListDeploymentsNewestFirst(t *testing.T) {
	store := newTestStore(t)
	base := time.Now()

	require.NoError(t, store.SaveDeployment(record("a", "web", base)))
	require.NoError(t, store.SaveDeployment(record("b", "api", base.Add(time.Hour))))
	require.NoError(t, store.SaveDeployment(record("c", "web", base.Add(2*time.Hour))))

	all, err := store.ListDeployments()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	web, err := store.ListDeploymentsByService("web")
	require.NoError(t, err)
	require.Len(t, web, 2)
	assert.Equal(t, "c", web[0].ID)
	assert.Equal(t, "a", web[1].ID)

	none, err := store.ListDeploymentsByService("worker")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDeleteDeployment(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.SaveDeployment(record("run-1", "web", time.Now())))

	require.NoError(t, store.DeleteDeployment("run-1"))
	_, err := store.GetDeployment("run-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReopenKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.SaveDeployment(record("run-1", "web", time.Now())))
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetDeployment("run-1")
	require.NoError(t, err)
	assert.Equal(t, "web", got.ServiceName)
}
