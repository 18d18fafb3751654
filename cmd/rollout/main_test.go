package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/rollout/pkg/cluster"
	"github.com/cuemby/rollout/pkg/cluster/clustertest"
	"github.com/cuemby/rollout/pkg/config"
	"github.com/cuemby/rollout/pkg/ecs"
	"github.com/cuemby/rollout/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const (
	oldTD = "arn:aws:ecs:us-east-1:123456789012:task-definition/web:6"
	newTD = "arn:aws:ecs:us-east-1:123456789012:task-definition/web:7"
)

func steadyOn(td string) clustertest.Step {
	return clustertest.Step{
		State: clustertest.Service(3, 3, clustertest.Primary("ecs-svc/"+td, td, 3)),
	}
}

func failing() clustertest.Step {
	return clustertest.Step{
		State: clustertest.Service(3, 1,
			clustertest.Primary("ecs-svc/new", newTD, 1),
			clustertest.Active("ecs-svc/old", oldTD, 2),
		),
		Tasks: []types.Task{clustertest.StoppedTask("task/a", "ecs-svc/new", "Essential container in task exited")},
	}
}

// testApp returns an app wired to the fake and a history database in a temp dir
func testApp(t *testing.T, fake *clustertest.Fake) (*app, string) {
	t.Helper()
	a := newApp()
	a.newCluster = func(ctx context.Context, cfg ecs.Config) (cluster.Client, error) {
		return fake, nil
	}
	return a, filepath.Join(t.TempDir(), "history.db")
}

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDeployCommandSucceeds(t *testing.T) {
	fake := clustertest.New(steadyOn(oldTD), steadyOn(newTD))
	a, db := testApp(t, fake)

	out, err := execute(t, a, "deploy",
		"--service", "web",
		"--cluster", "prod",
		"--task-definition", newTD,
		"--poll-interval", "5ms",
		"--history-db", db,
	)
	require.NoError(t, err)

	assert.Contains(t, out, "Rolling out "+newTD)
	assert.Contains(t, out, "start")
	assert.Contains(t, out, "SUCCEEDED")
	assert.Equal(t, []string{newTD}, fake.Updates())
}

func TestDeployCommandFailsOnRollback(t *testing.T) {
	fake := clustertest.New(steadyOn(oldTD), failing(), steadyOn(oldTD))
	a, db := testApp(t, fake)

	out, err := execute(t, a, "deploy",
		"--service", "web",
		"--task-definition", newTD,
		"--failure-threshold", "1",
		"--poll-interval", "5ms",
		"--history-db", db,
	)
	assert.ErrorIs(t, err, errRolloutFailed)
	assert.Contains(t, out, "THRESHOLD_EXCEEDED")
	assert.Contains(t, out, "rolled back to "+oldTD)
	assert.Equal(t, []string{newTD, oldTD}, fake.Updates())
}

func TestDeployCommandValidates(t *testing.T) {
	a, db := testApp(t, clustertest.New(steadyOn(oldTD)))

	_, err := execute(t, a, "deploy", "--service", "web", "--history-db", db)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestDeployCommandReadsEnvironment(t *testing.T) {
	t.Setenv("ROLLOUT_SERVICE", "web")
	t.Setenv("ROLLOUT_TASK_DEFINITION", newTD)
	t.Setenv("ROLLOUT_POLL_INTERVAL", "5ms")

	fake := clustertest.New(steadyOn(oldTD), steadyOn(newTD))
	a, db := testApp(t, fake)

	_, err := execute(t, a, "deploy", "--history-db", db)
	require.NoError(t, err)
	assert.Equal(t, []string{newTD}, fake.Updates())
}

func TestApplyCommand(t *testing.T) {
	file := filepath.Join(t.TempDir(), "web.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`apiVersion: rollout/v1
kind: Deployment
metadata:
  name: web
spec:
  cluster: prod
  taskDefinition: `+newTD+`
  failureThreshold: 2
  pollInterval: 5ms
`), 0600))

	fake := clustertest.New(steadyOn(oldTD), steadyOn(newTD))
	a, db := testApp(t, fake)

	out, err := execute(t, a, "apply", "-f", file, "--history-db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "SUCCEEDED")
	assert.Equal(t, []string{newTD}, fake.Updates())
}

func TestApplyCommandRequiresFile(t *testing.T) {
	a, _ := testApp(t, clustertest.New())

	_, err := execute(t, a, "apply")
	assert.Error(t, err)
}

func TestHistoryCommand(t *testing.T) {
	fake := clustertest.New(steadyOn(oldTD), steadyOn(newTD))
	a, db := testApp(t, fake)

	_, err := execute(t, a, "deploy",
		"--service", "web",
		"--task-definition", newTD,
		"--poll-interval", "5ms",
		"--history-db", db,
	)
	require.NoError(t, err)

	t.Run("table", func(t *testing.T) {
		out, err := execute(t, newApp(), "history", "--history-db", db)
		require.NoError(t, err)
		assert.Contains(t, out, "SERVICE")
		assert.Contains(t, out, "web")
		assert.Contains(t, out, "SUCCEEDED")
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(t, newApp(), "history", "--history-db", db, "-o", "json")
		require.NoError(t, err)

		var records []types.DeploymentRecord
		require.NoError(t, json.Unmarshal([]byte(out), &records))
		require.Len(t, records, 1)
		assert.Equal(t, newTD, records[0].TaskDefinitionARN)
		assert.Equal(t, oldTD, records[0].PriorTaskDefinitionARN)
	})

	t.Run("yaml", func(t *testing.T) {
		out, err := execute(t, newApp(), "history", "--history-db", db, "-o", "yaml", "--service", "web")
		require.NoError(t, err)

		var records []types.DeploymentRecord
		require.NoError(t, yaml.Unmarshal([]byte(out), &records))
		require.Len(t, records, 1)
		assert.Equal(t, types.DeploymentStateSucceeded, records[0].State)
	})

	t.Run("other service", func(t *testing.T) {
		out, err := execute(t, newApp(), "history", "--history-db", db, "--service", "api")
		require.NoError(t, err)
		assert.Contains(t, out, "No rollouts recorded")
	})

	t.Run("bad format", func(t *testing.T) {
		_, err := execute(t, newApp(), "history", "--history-db", db, "-o", "xml")
		assert.ErrorContains(t, err, "unsupported output format")
	})
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, newApp(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "rollout version "+Version)
}
