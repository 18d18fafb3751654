// Package config loads rollout settings from flags, ROLLOUT_ environment
// variables and an optional config file through viper, and parses
// Deployment resource files.
//
// A Deployment resource names the service in metadata.name:
//
//	apiVersion: rollout/v1
//	kind: Deployment
//	metadata:
//	  name: web
//	spec:
//	  cluster: prod
//	  taskDefinition: arn:aws:ecs:us-east-1:123456789012:task-definition/web:7
//	  failureThreshold: 2
//	  continueService: false
//
// Fields left out of the spec keep the value from flags or the environment.
package config
