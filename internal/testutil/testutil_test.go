package testutil

import (
	"testing"
	"time"
)

func TestFakeClock(t *testing.T) {
	fixed := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	clock := NewFakeClock(fixed)

	if got := clock.Now(); !got.Equal(fixed) {
		t.Errorf("Now() = %v, want %v", got, fixed)
	}

	clock.Advance(5 * time.Minute)
	if got, want := clock.Now(), fixed.Add(5*time.Minute); !got.Equal(want) {
		t.Errorf("after Advance(5m), Now() = %v, want %v", got, want)
	}
}

func TestTestContext_HasDeadline(t *testing.T) {
	ctx := TestContext(t)

	deadline, ok := ctx.Deadline()
	if !ok {
		t.Fatal("TestContext should have a deadline")
	}
	remaining := time.Until(deadline)
	if remaining <= 0 || remaining > 6*time.Second {
		t.Errorf("deadline should be ~5s from now, got %v", remaining)
	}
}

func TestMustParseUUID(t *testing.T) {
	id := MustParseUUID("12345678-1234-1234-1234-123456789abc")
	if id.String() != "12345678-1234-1234-1234-123456789abc" {
		t.Errorf("unexpected UUID: %s", id)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Error("MustParseUUID should panic on invalid input")
		}
	}()
	MustParseUUID("not-a-uuid")
}

func TestEventually(t *testing.T) {
	n := 0
	Eventually(t, time.Second, func() bool {
		n++
		return n >= 3
	}, "condition never became true")
}
