// Package handler defines the capability interface user job code
// implements. The job runtime queries capabilities with type assertions
// rather than reflecting over methods, per spec.md §9.
package handler

import (
	"context"
	"strings"
)

// Base is the minimum a handler must implement: the actual work.
// Everything else is an optional capability a handler opts into by also
// implementing the matching interface below.
type Base interface {
	// Perform runs the job. data is the job's decoded payload data tree.
	// jobID identifies the job being run, for handlers that want to read
	// their own progress/metadata back.
	Perform(ctx context.Context, jobID string, data any) error
}

// Signer computes a uniqueness signature from job data. Jobs whose
// handler implements Signer are subject to the at-most-one-in-flight
// admission control of spec.md §4.3.
type Signer interface {
	Signature(data any) (string, error)
}

// SetUpper runs before Perform, in the same child process.
type SetUpper interface {
	SetUp(ctx context.Context, data any) error
}

// TearDowner runs after Perform returns, in the same child process,
// regardless of Perform's outcome.
type TearDowner interface {
	TearDown(ctx context.Context) error
}

// ChannelNamer names a pub/sub channel to mirror captured output onto.
type ChannelNamer interface {
	GetChannel(data any) (string, bool)
}

// OutputWriter receives each captured stdout/stderr flush as it happens,
// in addition to it being forwarded to the job's output stream.
type OutputWriter interface {
	Output(line string)
}

// Presenter names the bucket a job's timing/count stats are aggregated
// under in the jobs:stat/jobs:time/jobs:count leaderboards. Handlers
// that don't implement this are bucketed under their class name.
type Presenter interface {
	GetPresentation(data any) string
}

// QueueNamer names a fixed queue for a handler class. The enqueue path
// does not consult it: a job always goes to the queue its producer
// passed.
type QueueNamer interface {
	OnQueue(data any) (string, bool)
}

// Factory constructs a fresh handler instance for one job execution.
// A fresh instance per job keeps handler-local state (if any) from
// leaking between unrelated executions.
type Factory func() Base

// Registry maps a class name to the factory that builds its handler.
// A class name may carry an "@method" suffix (spec.md §3); the registry
// looks up by the base class and the method is resolved by the handler
// itself via Base.Perform's jobID/data, matching the "callable" model
// spec.md treats handlers as.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates a class name with a handler factory. Registering
// the same class twice replaces the previous factory.
func (r *Registry) Register(class string, f Factory) {
	r.factories[class] = f
}

// Lookup returns the factory for class, or ok=false if no handler was
// ever registered under that name — the "no such class" invalid-input
// case of spec.md §7, which the caller turns into an immediate failure
// rather than a queued job.
func (r *Registry) Lookup(class string) (Factory, bool) {
	if i := strings.IndexByte(class, '@'); i >= 0 {
		class = class[:i]
	}
	f, ok := r.factories[class]
	return f, ok
}
