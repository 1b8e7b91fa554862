package capability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testRegistry(t *testing.T, descs ...Descriptor) *Registry {
	t.Helper()
	reg := NewRegistry()
	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %q: %v", d.Name, err)
		}
	}
	reg.Freeze()
	return reg
}

func echoDescriptor(name string) Descriptor {
	return Descriptor{
		Name: name,
		Params: []ParamSpec{
			{Name: "value", Type: TypeString},
		},
		Exec: func(_ context.Context, args Args) (*ResultEnvelope, error) {
			return OK(map[string]any{"echo": args["value"]}, "echoed"), nil
		},
	}
}

func TestDispatchUnknownCapability(t *testing.T) {
	reg := testRegistry(t)
	d := NewDispatcher(reg, time.Second, 1, zap.NewNop())

	inv := d.Dispatch(context.Background(), Request{Name: "missing"})
	if inv.Result.Success {
		t.Fatal("unknown capability must fail")
	}
	if inv.Result.Kind() != ErrCapabilityNotFound {
		t.Fatalf("kind = %s, want %s", inv.Result.Kind(), ErrCapabilityNotFound)
	}
	if inv.Result.Message == "" {
		t.Fatal("failure envelope must carry a message")
	}
}

func TestValidationFailurePreventsExecution(t *testing.T) {
	var executed atomic.Bool
	reg := testRegistry(t, Descriptor{
		Name: "guarded",
		Params: []ParamSpec{
			{Name: "count", Type: TypeInt, Required: true},
		},
		Exec: func(_ context.Context, _ Args) (*ResultEnvelope, error) {
			executed.Store(true)
			return OK(nil, "ran"), nil
		},
	})
	d := NewDispatcher(reg, time.Second, 1, zap.NewNop())

	inv := d.Dispatch(context.Background(), Request{
		Name:      "guarded",
		Arguments: map[string]any{"count": "not-a-number"},
	})
	if inv.Result.Kind() != ErrValidationFailed {
		t.Fatalf("kind = %s, want %s", inv.Result.Kind(), ErrValidationFailed)
	}
	if executed.Load() {
		t.Fatal("executor ran despite validation failure")
	}
}

func TestDispatchTimeout(t *testing.T) {
	reg := testRegistry(t, Descriptor{
		Name: "slow",
		Exec: func(ctx context.Context, _ Args) (*ResultEnvelope, error) {
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
			}
			return OK(nil, "done"), nil
		},
	})
	d := NewDispatcher(reg, 50*time.Millisecond, 1, zap.NewNop())

	start := time.Now()
	inv := d.Dispatch(context.Background(), Request{Name: "slow"})
	if time.Since(start) > time.Second {
		t.Fatal("dispatch did not honor the execution bound")
	}
	if inv.Outcome != OutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout", inv.Outcome)
	}
	if inv.Result.Kind() != ErrTimeout {
		t.Fatalf("kind = %s, want %s", inv.Result.Kind(), ErrTimeout)
	}
}

func TestPanicBecomesInternalFailure(t *testing.T) {
	reg := testRegistry(t, Descriptor{
		Name: "bomb",
		Exec: func(_ context.Context, _ Args) (*ResultEnvelope, error) {
			panic("boom")
		},
	})
	d := NewDispatcher(reg, time.Second, 1, zap.NewNop())

	inv := d.Dispatch(context.Background(), Request{Name: "bomb"})
	if inv.Result.Success {
		t.Fatal("panicking capability must fail")
	}
	if inv.Result.Kind() != ErrInternal {
		t.Fatalf("kind = %s, want %s", inv.Result.Kind(), ErrInternal)
	}
}

func TestRawErrorIsNormalized(t *testing.T) {
	reg := testRegistry(t, Descriptor{
		Name: "leaky",
		Exec: func(_ context.Context, _ Args) (*ResultEnvelope, error) {
			return nil, errors.New("database on fire")
		},
	})
	d := NewDispatcher(reg, time.Second, 1, zap.NewNop())

	inv := d.Dispatch(context.Background(), Request{Name: "leaky"})
	if inv.Result.Success {
		t.Fatal("raw error must surface as failure")
	}
	if inv.Result.Kind() != ErrInternal {
		t.Fatalf("kind = %s, want %s", inv.Result.Kind(), ErrInternal)
	}
	if inv.Result.Message == "" {
		t.Fatal("normalized failure must carry a message")
	}
}

// Every dispatched result must satisfy the envelope contract: success
// implies non-nil data, failure implies a non-empty message.
func TestEnvelopeInvariantHolds(t *testing.T) {
	reg := testRegistry(t,
		Descriptor{Name: "nil_data", Exec: func(_ context.Context, _ Args) (*ResultEnvelope, error) {
			return &ResultEnvelope{Success: true}, nil
		}},
		Descriptor{Name: "silent_failure", Exec: func(_ context.Context, _ Args) (*ResultEnvelope, error) {
			return &ResultEnvelope{Success: false}, nil
		}},
		Descriptor{Name: "no_envelope", Exec: func(_ context.Context, _ Args) (*ResultEnvelope, error) {
			return nil, nil
		}},
	)
	d := NewDispatcher(reg, time.Second, 1, zap.NewNop())

	for _, name := range []string{"nil_data", "silent_failure", "no_envelope"} {
		inv := d.Dispatch(context.Background(), Request{Name: name})
		env := inv.Result
		if env.Success && env.Data == nil {
			t.Fatalf("%s: success with nil data", name)
		}
		if !env.Success && env.Message == "" {
			t.Fatalf("%s: failure with empty message", name)
		}
		if !env.Success && env.Kind() == "" {
			t.Fatalf("%s: failure without error kind", name)
		}
	}
}

func TestDispatchAllPreservesPlanOrder(t *testing.T) {
	reg := testRegistry(t, echoDescriptor("echo"))
	d := NewDispatcher(reg, time.Second, 4, zap.NewNop())

	reqs := []Request{
		{Name: "echo", Arguments: map[string]any{"value": "a"}},
		{Name: "echo", Arguments: map[string]any{"value": "b"}},
		{Name: "echo", Arguments: map[string]any{"value": "c"}},
	}
	invs := d.DispatchAll(context.Background(), reqs)
	if len(invs) != 3 {
		t.Fatalf("got %d invocations", len(invs))
	}
	for i, want := range []string{"a", "b", "c"} {
		data := invs[i].Result.Data.(map[string]any)
		if data["echo"] != want {
			t.Fatalf("invocation %d echoed %v, want %s", i, data["echo"], want)
		}
	}
}

func TestDispatchAllContinuesPastFailure(t *testing.T) {
	reg := testRegistry(t, echoDescriptor("echo"))
	d := NewDispatcher(reg, time.Second, 1, zap.NewNop())

	invs := d.DispatchAll(context.Background(), []Request{
		{Name: "missing"},
		{Name: "echo", Arguments: map[string]any{"value": "still-runs"}},
	})
	if invs[0].Result.Success {
		t.Fatal("first invocation should fail")
	}
	if !invs[1].Result.Success {
		t.Fatalf("second invocation should still run: %s", invs[1].Result.Message)
	}
}

func TestResultRefSubstitution(t *testing.T) {
	var got any
	reg := testRegistry(t,
		Descriptor{Name: "produce", Exec: func(_ context.Context, _ Args) (*ResultEnvelope, error) {
			return OK(map[string]any{"token": 42}, "produced"), nil
		}},
		Descriptor{
			Name:   "consume",
			Params: []ParamSpec{{Name: "input", Type: TypeString}},
			Exec: func(_ context.Context, args Args) (*ResultEnvelope, error) {
				got = args["input"]
				return OK(map[string]any{}, "consumed"), nil
			},
		},
	)
	d := NewDispatcher(reg, time.Second, 4, zap.NewNop())

	invs := d.DispatchAll(context.Background(), []Request{
		{Name: "produce"},
		{Name: "consume", Arguments: map[string]any{"input": "$result[0]"}},
	})
	if !invs[1].Result.Success {
		t.Fatalf("consume failed: %s", invs[1].Result.Message)
	}
	data, ok := got.(map[string]any)
	if !ok || data["token"] != 42 {
		t.Fatalf("reference resolved to %v, want the producer's data", got)
	}
}

func TestResultRefToFailedInvocation(t *testing.T) {
	reg := testRegistry(t,
		Descriptor{
			Name:   "consume",
			Params: []ParamSpec{{Name: "input", Type: TypeString}},
			Exec: func(_ context.Context, _ Args) (*ResultEnvelope, error) {
				t.Fatal("consumer must not execute when its reference failed")
				return nil, nil
			},
		},
	)
	d := NewDispatcher(reg, time.Second, 1, zap.NewNop())

	invs := d.DispatchAll(context.Background(), []Request{
		{Name: "missing"},
		{Name: "consume", Arguments: map[string]any{"input": "$result[0]"}},
	})
	if invs[1].Result.Kind() != ErrValidationFailed {
		t.Fatalf("kind = %s, want %s", invs[1].Result.Kind(), ErrValidationFailed)
	}
}

func TestResultRefForward(t *testing.T) {
	reg := testRegistry(t, Descriptor{
		Name:   "consume",
		Params: []ParamSpec{{Name: "input", Type: TypeString}},
		Exec: func(_ context.Context, _ Args) (*ResultEnvelope, error) {
			return OK(nil, "ran"), nil
		},
	})
	d := NewDispatcher(reg, time.Second, 1, zap.NewNop())

	invs := d.DispatchAll(context.Background(), []Request{
		{Name: "consume", Arguments: map[string]any{"input": "$result[1]"}},
	})
	if invs[0].Result.Kind() != ErrValidationFailed {
		t.Fatalf("forward reference must fail validation, got %s", invs[0].Result.Kind())
	}
}
