// Package executor runs one test step as a blocking subprocess and
// returns a structured result.
package executor

import (
	"context"
	"time"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Request identifies one test step to run against a workspace.
type Request struct {
	WorkspaceID   string
	TestID        string // empty when running a whole group
	TestGroup     string
	InventoryPath string
	ExtraVars     map[string]string
}

// Result is the structured outcome of one step. Status distinguishes a
// test that ran and failed from one that passed; transport-level problems
// (the playbook could not run at all) are returned as the error value of
// RunTest instead.
type Result struct {
	Status   Status
	Output   string
	Error    string
	ExitCode int
	Duration time.Duration
}

// TestExecutor is the boundary to the orchestration tooling. RunTest
// blocks for the duration of the step; callers run it off their control
// loop. A non-nil error means the step could not be executed (missing
// binary, unreachable control node); the worker records both the same
// way, as a failed step.
type TestExecutor interface {
	RunTest(ctx context.Context, req Request) (Result, error)
}
