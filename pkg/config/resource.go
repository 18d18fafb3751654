package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// APIVersion is the only accepted resource version
	APIVersion = "rollout/v1"

	// KindDeployment is the kind of a deployment resource
	KindDeployment = "Deployment"
)

// Resource represents a rollout resource file
type Resource struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ResourceMetadata `yaml:"metadata"`
	Spec       DeploymentSpec   `yaml:"spec"`
}

type ResourceMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

// DeploymentSpec is the spec of a Deployment resource. Unset fields leave
// the flag or environment value in place.
type DeploymentSpec struct {
	Cluster           string         `yaml:"cluster,omitempty"`
	TaskDefinition    string         `yaml:"taskDefinition"`
	FailureThreshold  *int           `yaml:"failureThreshold,omitempty"`
	ContinueService   *bool          `yaml:"continueService,omitempty"`
	PollInterval      *time.Duration `yaml:"pollInterval,omitempty"`
	MaxPollFailures   *int           `yaml:"maxPollFailures,omitempty"`
	RollbackPollLimit *int           `yaml:"rollbackPollLimit,omitempty"`
	Region            string         `yaml:"region,omitempty"`
}

// ReadResources reads every resource document of a YAML file
func ReadResources(path string) ([]*Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return ParseResources(data)
}

// ParseResources decodes a multi-document YAML stream of Deployment resources
func ParseResources(data []byte) ([]*Resource, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var resources []*Resource
	for {
		var res Resource
		err := dec.Decode(&res)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
		if err := res.validate(); err != nil {
			return nil, fmt.Errorf("resource %d: %w", len(resources)+1, err)
		}
		resources = append(resources, &res)
	}

	if len(resources) == 0 {
		return nil, fmt.Errorf("%w: no resources in file", ErrInvalid)
	}
	return resources, nil
}

func (r *Resource) validate() error {
	if r.APIVersion != APIVersion {
		return fmt.Errorf("%w: unsupported apiVersion %q", ErrInvalid, r.APIVersion)
	}
	if r.Kind != KindDeployment {
		return fmt.Errorf("%w: unsupported resource kind: %s", ErrInvalid, r.Kind)
	}
	if r.Metadata.Name == "" {
		return fmt.Errorf("%w: metadata.name is required", ErrInvalid)
	}
	return nil
}

// Apply returns a copy of base with the resource's fields laid over it. The
// resource name is the service name.
func (r *Resource) Apply(base Config) Config {
	cfg := base
	cfg.Service = r.Metadata.Name

	spec := r.Spec
	if spec.Cluster != "" {
		cfg.Cluster = spec.Cluster
	}
	if spec.TaskDefinition != "" {
		cfg.TaskDefinition = spec.TaskDefinition
	}
	if spec.FailureThreshold != nil {
		cfg.FailureThreshold = *spec.FailureThreshold
	}
	if spec.ContinueService != nil {
		cfg.ContinueService = *spec.ContinueService
	}
	if spec.PollInterval != nil {
		cfg.PollInterval = *spec.PollInterval
	}
	if spec.MaxPollFailures != nil {
		cfg.MaxPollFailures = *spec.MaxPollFailures
	}
	if spec.RollbackPollLimit != nil {
		cfg.RollbackPollLimit = *spec.RollbackPollLimit
	}
	if spec.Region != "" {
		cfg.Region = spec.Region
	}
	return cfg
}
