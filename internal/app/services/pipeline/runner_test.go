package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/boxhunt/settlement_layer/internal/app/domain/position"
)

func TestRunStopsAfterHardFailure(t *testing.T) {
	runner := New(nil, 3, time.Millisecond)

	var mintRan bool
	outcomes := runner.Run(context.Background(), "bx-test",
		Func{StageName: "sweep", Fn: func(context.Context, string) error {
			return position.NewFault(position.ClassChainVerification, "no matching transfer")
		}},
		Func{StageName: "mint", Fn: func(context.Context, string) error {
			mintRan = true
			return nil
		}},
	)

	if len(outcomes) != 1 {
		t.Fatalf("expected 1 outcome, got %d", len(outcomes))
	}
	if outcomes[0].OK {
		t.Fatal("sweep outcome should not be ok")
	}
	if mintRan {
		t.Fatal("mint must not run after sweep failure")
	}
}

func TestRunContinuesThroughConflict(t *testing.T) {
	runner := New(nil, 3, time.Millisecond)

	var mintRan bool
	outcomes := runner.Run(context.Background(), "bx-test",
		Func{StageName: "sweep", Fn: func(context.Context, string) error {
			return position.NewFault(position.ClassStateConflict, "already swept")
		}},
		Func{StageName: "mint", Fn: func(context.Context, string) error {
			mintRan = true
			return nil
		}},
	)

	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	if !outcomes[0].Conflict {
		t.Fatal("sweep outcome should be a conflict")
	}
	if !mintRan {
		t.Fatal("mint should run after a sweep conflict")
	}
	if !outcomes[1].OK {
		t.Fatal("mint outcome should be ok")
	}
}

func TestRunRetriesInfrastructureFailures(t *testing.T) {
	runner := New(nil, 3, time.Millisecond)

	attempts := 0
	outcomes := runner.Run(context.Background(), "bx-test",
		Func{StageName: "sweep", Fn: func(context.Context, string) error {
			attempts++
			if attempts < 3 {
				return position.NewFault(position.ClassInfrastructure, "provider hiccup")
			}
			return nil
		}},
	)

	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if !outcomes[0].OK {
		t.Fatalf("expected success after retries: %+v", outcomes[0])
	}
	if outcomes[0].Attempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", outcomes[0].Attempts)
	}
}

func TestRunDoesNotRetryTerminalClasses(t *testing.T) {
	runner := New(nil, 5, time.Millisecond)

	attempts := 0
	runner.Run(context.Background(), "bx-test",
		Func{StageName: "sweep", Fn: func(context.Context, string) error {
			attempts++
			return position.NewFault(position.ClassChainVerification, "amount out of bounds")
		}},
	)

	if attempts != 1 {
		t.Fatalf("terminal class must not retry, got %d attempts", attempts)
	}
}
