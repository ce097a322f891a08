package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/clusterforge/hatest/internal/circuitbreaker"
)

func TestAnsibleExecutor_BuildArgs(t *testing.T) {
	e := NewAnsibleExecutor("/opt/hatest/playbooks", 0)

	tests := []struct {
		name string
		req  Request
		want []string
	}{
		{
			name: "single test selected via tags",
			req: Request{
				WorkspaceID:   "ws1",
				TestGroup:     "HA_DB_HANA",
				TestID:        "primary-node-crash",
				InventoryPath: "/etc/hatest/ws1/hosts.yaml",
			},
			want: []string{
				"/opt/hatest/playbooks/HA_DB_HANA.yml",
				"-i", "/etc/hatest/ws1/hosts.yaml",
				"--tags", "primary-node-crash",
			},
		},
		{
			name: "whole group without tags",
			req: Request{
				WorkspaceID:   "ws1",
				TestGroup:     "HA_SCS",
				InventoryPath: "/etc/hatest/ws1/hosts.yaml",
			},
			want: []string{
				"/opt/hatest/playbooks/HA_SCS.yml",
				"-i", "/etc/hatest/ws1/hosts.yaml",
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := e.buildArgs(tc.req)
			if err != nil {
				t.Fatalf("buildArgs: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("args = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("args[%d] = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestAnsibleExecutor_ExtraVarsAsJSON(t *testing.T) {
	e := NewAnsibleExecutor("/playbooks", 0)
	args, err := e.buildArgs(Request{
		WorkspaceID:   "ws1",
		TestGroup:     "HA_DB_HANA",
		InventoryPath: "/inv",
		ExtraVars:     map[string]string{"sap_sid": "HDB"},
	})
	if err != nil {
		t.Fatalf("buildArgs: %v", err)
	}

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--extra-vars") || !strings.Contains(joined, `"sap_sid":"HDB"`) {
		t.Fatalf("extra vars not passed as JSON: %v", args)
	}
}

func TestAnsibleExecutor_MissingRequiredFields(t *testing.T) {
	e := NewAnsibleExecutor("/playbooks", 0)

	if _, err := e.RunTest(context.Background(), Request{InventoryPath: "/inv"}); err == nil {
		t.Fatal("missing test group accepted")
	}
	if _, err := e.RunTest(context.Background(), Request{TestGroup: "HA_DB_HANA"}); err == nil {
		t.Fatal("missing inventory accepted")
	}
}

func TestAnsibleExecutor_MissingBinaryIsExecutorError(t *testing.T) {
	e := NewAnsibleExecutor(t.TempDir(), time.Second)
	e.Binary = "/nonexistent/ansible-playbook"

	_, err := e.RunTest(context.Background(), Request{
		WorkspaceID:   "ws1",
		TestGroup:     "HA_DB_HANA",
		InventoryPath: "/inv",
	})
	if err == nil {
		t.Fatal("missing binary reported as a test result instead of an error")
	}
}

// stubExecutor returns canned outcomes for the guarded wrapper tests.
type stubExecutor struct {
	result Result
	err    error
	calls  int
}

func (s *stubExecutor) RunTest(ctx context.Context, req Request) (Result, error) {
	s.calls++
	return s.result, s.err
}

func TestGuarded_TestFailureDoesNotTrip(t *testing.T) {
	stub := &stubExecutor{result: Result{Status: StatusFailed, Error: "assertion failed"}}
	g := NewGuarded(stub, circuitbreaker.New(1, time.Minute))

	for i := 0; i < 3; i++ {
		result, err := g.RunTest(context.Background(), Request{WorkspaceID: "ws1"})
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if result.Status != StatusFailed {
			t.Fatalf("run %d status = %q", i, result.Status)
		}
	}
	if stub.calls != 3 {
		t.Fatalf("inner calls = %d, want 3 (breaker must stay closed)", stub.calls)
	}
}

func TestGuarded_TransportErrorTripsBreaker(t *testing.T) {
	stub := &stubExecutor{err: errors.New("ssh: connect refused")}
	g := NewGuarded(stub, circuitbreaker.New(1, time.Hour))

	if _, err := g.RunTest(context.Background(), Request{WorkspaceID: "ws1"}); err == nil {
		t.Fatal("transport error swallowed")
	}

	_, err := g.RunTest(context.Background(), Request{WorkspaceID: "ws1"})
	if !errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		t.Fatalf("second call err = %v, want ErrCircuitOpen", err)
	}
	if stub.calls != 1 {
		t.Fatalf("inner calls = %d, want 1 (fast fail while open)", stub.calls)
	}
}
