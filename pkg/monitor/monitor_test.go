package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/rollout/pkg/cluster/clustertest"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	oldTD = "arn:aws:ecs:us-east-1:123456789012:task-definition/web:6"
	newTD = "arn:aws:ecs:us-east-1:123456789012:task-definition/web:7"
)

var svc = types.ServiceDescriptor{ServiceName: "web", ClusterARN: "prod"}

func newMonitor(fake *clustertest.Fake, interval time.Duration) *Monitor {
	return New(Config{Service: svc, Interval: interval}, fake, fake)
}

func next(t *testing.T, m *Monitor) Result {
	t.Helper()
	select {
	case res := <-m.Results():
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for poll result")
		return Result{}
	}
}

func rollingOut(running int, tasks ...types.Task) clustertest.Step {
	return clustertest.Step{
		State: clustertest.Service(3, running,
			clustertest.Primary("ecs-svc/new", newTD, running),
			clustertest.Active("ecs-svc/old", oldTD, 3-running),
		),
		Tasks: tasks,
	}
}

func TestSnapshotBeforeFirstPoll(t *testing.T) {
	m := newMonitor(clustertest.New(rollingOut(1)), time.Hour)

	snap, err := m.Snapshot()
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestStartIsIdempotent(t *testing.T) {
	fake := clustertest.New(rollingOut(1))
	m := newMonitor(fake, time.Hour)
	defer m.Stop()

	m.Start()
	m.Start()

	res := next(t, m)
	require.NoError(t, res.Err)
	assert.Equal(t, uint64(1), res.Sequence)

	select {
	case res := <-m.Results():
		t.Fatalf("unexpected second result %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 1, fake.DescribeCalls())
}

func TestPollProducesSnapshots(t *testing.T) {
	fake := clustertest.New(rollingOut(1), rollingOut(2), rollingOut(3))
	m := newMonitor(fake, 10*time.Millisecond)
	m.Track(newTD)
	m.Start()
	defer m.Stop()

	for i, running := range []int{1, 2, 3} {
		res := next(t, m)
		require.NoError(t, res.Err)
		assert.Equal(t, uint64(i+1), res.Sequence)
		assert.Equal(t, running, res.Snapshot.RunningCount)
		assert.Equal(t, 3, res.Snapshot.DesiredCount)
		require.NotNil(t, res.Snapshot.Target)
		assert.Equal(t, "ecs-svc/new", res.Snapshot.Target.ID)
		assert.ElementsMatch(t, []string{"ecs-svc/new", "ecs-svc/old"}, res.Snapshot.ActiveDeploymentIDs())
	}

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 3, snap.RunningCount)
}

func TestTaskFailuresCountedOncePerStop(t *testing.T) {
	crash := clustertest.StoppedTask("task/a", "ecs-svc/new", "Essential container in task exited")
	healthCheck := clustertest.StoppedTask("task/b", "ecs-svc/new", "Task failed ELB health checks")
	scaleIn := clustertest.StoppedTask("task/c", "ecs-svc/new", "Scaling activity initiated by (deployment ecs-svc/old)")
	oldTask := clustertest.StoppedTask("task/d", "ecs-svc/old", "Essential container in task exited")

	fake := clustertest.New(
		rollingOut(1, crash, oldTask),
		rollingOut(1, crash, oldTask),
		rollingOut(2, crash, healthCheck, scaleIn, clustertest.RunningTask("task/e", "ecs-svc/new")),
	)
	m := newMonitor(fake, 10*time.Millisecond)
	m.Track(newTD)
	m.Start()
	defer m.Stop()

	first := next(t, m)
	require.NoError(t, first.Err)
	require.Len(t, first.Snapshot.NewFailures, 1)
	assert.Equal(t, "task/a", first.Snapshot.NewFailures[0].ARN)

	second := next(t, m)
	require.NoError(t, second.Err)
	assert.Empty(t, second.Snapshot.NewFailures, "a stopped task stays visible but counts once")

	third := next(t, m)
	require.NoError(t, third.Err)
	require.Len(t, third.Snapshot.NewFailures, 1)
	assert.Equal(t, "task/b", third.Snapshot.NewFailures[0].ARN)
}

func TestUntrackedMonitorSkipsTasks(t *testing.T) {
	fake := clustertest.New(rollingOut(1, clustertest.StoppedTask("task/a", "ecs-svc/new", "OOM")))
	m := newMonitor(fake, time.Hour)

	snap, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.Target)
	assert.Empty(t, snap.NewFailures)
	assert.Equal(t, 0, fake.ListCalls())
}

func TestTrackResetsSeenTasks(t *testing.T) {
	crash := clustertest.StoppedTask("task/a", "", "OOM")
	fake := clustertest.New(rollingOut(1, crash))
	m := newMonitor(fake, time.Hour)
	ctx := context.Background()

	m.Track(newTD)
	snap, err := m.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.NewFailures, 1)

	m.Track(newTD)
	snap, err = m.Refresh(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.NewFailures, "re-tracking the same target keeps history")

	m.Track(oldTD)
	m.Track(newTD)
	snap, err = m.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.NewFailures, 1)
}

func TestConsecutiveFailuresEscalate(t *testing.T) {
	queryErr := errors.New("ThrottlingException: rate exceeded")
	fake := clustertest.New(
		clustertest.Step{Err: queryErr},
		clustertest.Step{Err: queryErr},
		clustertest.Step{Err: queryErr},
	)
	m := newMonitor(fake, 10*time.Millisecond)
	m.Start()
	defer m.Stop()

	for i := 1; i <= 2; i++ {
		res := next(t, m)
		assert.ErrorIs(t, res.Err, queryErr)
		assert.False(t, res.Fatal)
		assert.Equal(t, i, res.ConsecutiveFailures)
	}

	res := next(t, m)
	assert.True(t, res.Fatal)
	assert.Equal(t, 3, res.ConsecutiveFailures)
	assert.ErrorIs(t, res.Err, queryErr)

	var cfe *ConsecutiveFailureError
	require.ErrorAs(t, res.Err, &cfe)
	assert.Equal(t, 3, cfe.Failures)

	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("polling loop did not exit after a fatal result")
	}

	_, err := m.Snapshot()
	assert.ErrorIs(t, err, ErrNotAvailable)
}

func TestSuccessResetsFailureCount(t *testing.T) {
	queryErr := errors.New("connection reset")
	fake := clustertest.New(
		clustertest.Step{Err: queryErr},
		clustertest.Step{Err: queryErr},
		rollingOut(1),
		clustertest.Step{Err: queryErr},
		clustertest.Step{Err: queryErr},
		rollingOut(2),
	)
	m := newMonitor(fake, 10*time.Millisecond)
	m.Start()
	defer m.Stop()

	var fatal bool
	for i := 0; i < 6; i++ {
		res := next(t, m)
		fatal = fatal || res.Fatal
	}
	assert.False(t, fatal)

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, 2, snap.RunningCount)
}

func TestTaskListingFailureIsAPollFailure(t *testing.T) {
	step := rollingOut(1)
	step.TasksErr = errors.New("AccessDeniedException")
	m := newMonitor(clustertest.New(step), time.Hour)
	m.Track(newTD)

	_, err := m.Refresh(context.Background())
	assert.ErrorContains(t, err, "AccessDeniedException")
}

func TestStopDiscardsInFlightPoll(t *testing.T) {
	fake := clustertest.New(rollingOut(1))
	fake.DescribeGate = make(chan struct{})
	m := newMonitor(fake, 10*time.Millisecond)
	m.Start()

	// Let the first poll block inside the cluster call
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a poll was in flight")
	}

	select {
	case res := <-m.Results():
		t.Fatalf("result delivered after Stop: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}

	calls := fake.TotalCalls()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, fake.TotalCalls(), "no polls after Stop")

	_, err := m.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrStopped)

	// Stop is idempotent
	m.Stop()
}

func TestStopBeforeStart(t *testing.T) {
	fake := clustertest.New(rollingOut(1))
	m := newMonitor(fake, 10*time.Millisecond)

	m.Stop()
	m.Start()

	select {
	case <-m.Done():
	default:
		t.Fatal("Done should be closed after Stop")
	}

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, fake.DescribeCalls())
}

func TestFindDeploymentPrefersPrimary(t *testing.T) {
	deployments := []types.Deployment{
		clustertest.Active("ecs-svc/a", newTD, 1),
		clustertest.Primary("ecs-svc/b", newTD, 2),
		{ID: "ecs-svc/c", Status: types.DeploymentStatusInactive, TaskDefinitionARN: newTD},
	}

	found := findDeployment(deployments, newTD)
	require.NotNil(t, found)
	assert.Equal(t, "ecs-svc/b", found.ID)

	assert.Nil(t, findDeployment(deployments, oldTD))
	assert.Nil(t, findDeployment(deployments, ""))
	assert.Nil(t, findDeployment(deployments[2:], newTD), "inactive deployments are ignored")
}
