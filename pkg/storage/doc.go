/*
Package storage keeps the history of finished rollouts in an embedded BoltDB
file.

Each rollout is stored once, when its controller reaches a verdict, as a JSON
encoded types.DeploymentRecord keyed by the run ID in the "deployments"
bucket. Saving a record with an existing ID replaces it.

	store, err := storage.NewBoltStore("/var/lib/rollout")
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListDeploymentsByService("web")

Listings are ordered newest first by start time. BoltDB allows a single
writer process per file; Open gives up after one second if another process
holds the lock.
*/
package storage
