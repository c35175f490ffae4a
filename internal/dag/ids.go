// Package dag defines the execution graph data model: files, executions,
// the DAG that ties them together, and the validator that checks it before
// it is handed to the scheduler.
package dag

import "github.com/google/uuid"

// FileUuid identifies a file within a DAG, produced by at most one
// execution or provided directly by the client.
type FileUuid = uuid.UUID

// ExecutionUuid identifies a single sandboxed process within a DAG.
type ExecutionUuid = uuid.UUID

// NewFileUuid returns a fresh random file identifier.
func NewFileUuid() FileUuid { return uuid.New() }

// NewExecutionUuid returns a fresh random execution identifier.
func NewExecutionUuid() ExecutionUuid { return uuid.New() }
