// Package store defines the external element-catalog interface the core
// consumes. Store is an opaque collaborator: the core never
// assumes a particular backend, only get/list/create/update/delete
// semantics with optimistic concurrency via a per-element version token.
package store

import (
	"context"

	"github.com/stoneforge-ai/orchestrator/internal/model"
)

// Filter is a free-form property-equality query. Tags, when non-empty,
// is a multi-tag containment match (an element must carry every listed
// tag). Limit/Offset of zero means "unbounded"/"no skip".
type Filter struct {
	Status   []model.TaskStatus
	Assignee string
	Tags     []string
	Limit    int
	Offset   int
}

// UpdateOpts accompanies an Update call. ExpectedUpdatedAt implements the
// Store's optimistic-concurrency contract: the write is rejected with an
// orcherr.Conflict error unless it matches the element's current
// UpdatedAt.
type UpdateOpts struct {
	ExpectedUpdatedAt *int64 // unix nanos; nil skips the version check
	Actor             string
}

// DeleteOpts accompanies a Delete call.
type DeleteOpts struct {
	Actor  string
	Reason string
}

// TaskStore is the subset of Store the core's task-oriented components
// (TaskAssignment, MergeSteward) consume.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListTasks(ctx context.Context, filter Filter) ([]*model.Task, error)
	CreateTask(ctx context.Context, t *model.Task) (*model.Task, error)
	UpdateTask(ctx context.Context, id string, mutate func(*model.Task), opts UpdateOpts) (*model.Task, error)
	DeleteTask(ctx context.Context, id string, opts DeleteOpts) error
}

// AgentStore is the subset of Store agent-facing components consume.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	ListAgents(ctx context.Context) ([]*model.Agent, error)
}

// Store is the full interface the core is written against.
type Store interface {
	TaskStore
	AgentStore
}
