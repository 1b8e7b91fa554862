package capability

import (
	"context"
	"errors"
	"testing"
)

func noop(_ context.Context, _ Args) (*ResultEnvelope, error) {
	return OK(nil, "ok"), nil
}

func TestRegisterAfterFreezeFails(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Descriptor{Name: "a", Exec: noop}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Freeze()
	if err := reg.Register(Descriptor{Name: "b", Exec: noop}); err == nil {
		t.Fatal("registration after freeze must fail")
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Descriptor{Name: "a", Exec: noop}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(Descriptor{Name: "a", Exec: noop}); err == nil {
		t.Fatal("duplicate registration must fail")
	}
}

func TestListIsSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := reg.Register(Descriptor{Name: name, Exec: noop}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	list := reg.List()
	want := []string{"alpha", "mid", "zeta"}
	for i, d := range list {
		if d.Name != want[i] {
			t.Fatalf("list[%d] = %s, want %s", i, d.Name, want[i])
		}
	}
}

func TestValidatePlan(t *testing.T) {
	min, max := 1.0, 100.0
	reg := NewRegistry()
	err := reg.Register(Descriptor{
		Name: "query",
		Params: []ParamSpec{
			{Name: "limit", Type: TypeInt, Required: true, Min: &min, Max: &max},
			{Name: "mode", Type: TypeString, Enum: []string{"fast", "full"}},
			{Name: "since", Type: TypeTimestamp},
		},
		Exec: noop,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	reg.Freeze()

	cases := []struct {
		name string
		plan []Request
		ok   bool
	}{
		{"empty plan", nil, false},
		{"unknown capability", []Request{{Name: "nope"}}, false},
		{"missing required", []Request{{Name: "query"}}, false},
		{"unknown argument", []Request{{Name: "query",
			Arguments: map[string]any{"limit": 5.0, "bogus": 1}}}, false},
		{"below minimum", []Request{{Name: "query",
			Arguments: map[string]any{"limit": 0.0}}}, false},
		{"non-integer", []Request{{Name: "query",
			Arguments: map[string]any{"limit": 2.5}}}, false},
		{"bad enum", []Request{{Name: "query",
			Arguments: map[string]any{"limit": 5.0, "mode": "sideways"}}}, false},
		{"bad timestamp", []Request{{Name: "query",
			Arguments: map[string]any{"limit": 5.0, "since": "yesterday"}}}, false},
		{"valid", []Request{{Name: "query",
			Arguments: map[string]any{"limit": 5.0, "mode": "fast", "since": "2026-03-01"}}}, true},
		{"result ref skips type check", []Request{{Name: "query",
			Arguments: map[string]any{"limit": "$result[0]"}}}, true},
	}
	for _, tc := range cases {
		err := reg.ValidatePlan(tc.plan)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("%s: expected a validation error", tc.name)
		}
	}
}

func TestValidationErrorTypes(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Descriptor{Name: "a", Exec: noop}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var nf *NotFoundError
	if err := reg.Validate(Request{Name: "missing"}); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %T", err)
	}
	var ve *ValidationError
	err := reg.Validate(Request{Name: "a", Arguments: map[string]any{"x": 1}})
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
}

func TestEnvelopeConstructors(t *testing.T) {
	ok := OK(nil, "fine")
	if !ok.Success || ok.Data == nil {
		t.Fatalf("OK must backfill nil data: %+v", ok)
	}

	fail := Failure(ErrInsufficientData, "")
	if fail.Success || fail.Message == "" {
		t.Fatalf("Failure must backfill an empty message: %+v", fail)
	}
	if fail.Kind() != ErrInsufficientData {
		t.Fatalf("kind = %s", fail.Kind())
	}

	repaired := (&ResultEnvelope{Success: false}).Normalize()
	if repaired.Message == "" || repaired.Kind() != ErrInternal {
		t.Fatalf("Normalize must repair a bare failure: %+v", repaired)
	}
}
