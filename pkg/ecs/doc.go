// Package ecs implements the cluster API on Amazon ECS using the AWS SDK v2.
//
// Credentials and region come from the SDK default chain, optionally
// narrowed to a shared config profile or an assumed role. Every ECS call is
// timed into the cluster API request histogram.
package ecs
