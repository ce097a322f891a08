package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// AnsibleExecutor runs test steps by invoking ansible-playbook. One
// playbook per test group lives under PlaybookDir; individual tests are
// selected with --tags.
type AnsibleExecutor struct {
	// Binary is the ansible-playbook executable. Defaults to
	// "ansible-playbook" resolved via PATH.
	Binary string

	// PlaybookDir holds <test_group>.yml playbooks.
	PlaybookDir string

	// StepTimeout bounds a single step. Zero means no timeout beyond the
	// caller's context.
	StepTimeout time.Duration
}

func NewAnsibleExecutor(playbookDir string, stepTimeout time.Duration) *AnsibleExecutor {
	return &AnsibleExecutor{
		Binary:      "ansible-playbook",
		PlaybookDir: playbookDir,
		StepTimeout: stepTimeout,
	}
}

// RunTest blocks until the playbook exits. Exit code 0 maps to a
// successful Result; any other exit code maps to a failed Result with the
// tail of the combined output as the error. Failures to start the
// process at all are returned as the error value.
func (e *AnsibleExecutor) RunTest(ctx context.Context, req Request) (Result, error) {
	if req.TestGroup == "" {
		return Result{}, fmt.Errorf("test group is required")
	}
	if req.InventoryPath == "" {
		return Result{}, fmt.Errorf("inventory path is required")
	}

	if e.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.StepTimeout)
		defer cancel()
	}

	args, err := e.buildArgs(req)
	if err != nil {
		return Result{}, err
	}

	binary := e.Binary
	if binary == "" {
		binary = "ansible-playbook"
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	log.Printf("executor: workspace=%s test=%s running %s %s",
		req.WorkspaceID, stepName(req), binary, strings.Join(args, " "))

	err = cmd.Run()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return Result{}, fmt.Errorf("step timed out after %s", duration.Round(time.Second))
	}

	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			// The process never ran: missing binary, permission problem.
			return Result{}, fmt.Errorf("start %s: %w", binary, err)
		}
		return Result{
			Status:   StatusFailed,
			Output:   output.String(),
			Error:    tail(output.String(), 2000),
			ExitCode: exitErr.ExitCode(),
			Duration: duration,
		}, nil
	}

	return Result{
		Status:   StatusSuccess,
		Output:   output.String(),
		Duration: duration,
	}, nil
}

func (e *AnsibleExecutor) buildArgs(req Request) ([]string, error) {
	playbook := filepath.Join(e.PlaybookDir, req.TestGroup+".yml")
	args := []string{playbook, "-i", req.InventoryPath}

	if req.TestID != "" {
		args = append(args, "--tags", req.TestID)
	}

	if len(req.ExtraVars) > 0 {
		vars, err := json.Marshal(req.ExtraVars)
		if err != nil {
			return nil, fmt.Errorf("marshal extra vars: %w", err)
		}
		args = append(args, "--extra-vars", string(vars))
	}

	return args, nil
}

func stepName(req Request) string {
	if req.TestID != "" {
		return req.TestID
	}
	return req.TestGroup
}

// tail returns the last n bytes of s, trimmed to whole lines.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if idx := strings.IndexByte(s, '\n'); idx >= 0 && idx+1 < len(s) {
		s = s[idx+1:]
	}
	return s
}
