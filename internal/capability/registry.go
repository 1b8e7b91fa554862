package capability

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// Request is a single invocation the oracle asks for: a capability name
// plus named arguments. It is untrusted until validated against the
// registry.
type Request struct {
	Name      string         `json:"capability_name"`
	Arguments map[string]any `json:"arguments"`
}

// ParamType enumerates the argument types a capability schema can declare.
type ParamType string

const (
	TypeString    ParamType = "string"
	TypeInt       ParamType = "int"
	TypeFloat     ParamType = "float"
	TypeBool      ParamType = "bool"
	TypeTimestamp ParamType = "timestamp" // RFC 3339 string
)

// ParamSpec declares one named parameter of a capability contract.
type ParamSpec struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required"`
	Description string    `json:"description,omitempty"`
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
}

// Executor runs a capability with already-validated arguments.
type Executor func(ctx context.Context, args Args) (*ResultEnvelope, error)

// Descriptor is a capability's declared contract plus its executor.
type Descriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []ParamSpec `json:"params"`
	Exec        Executor    `json:"-"`
}

// NotFoundError reports a plan naming an unregistered capability.
type NotFoundError struct {
	Capability string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("capability %q is not registered", e.Capability)
}

// ValidationError reports arguments that do not satisfy a capability's schema.
type ValidationError struct {
	Capability string
	Detail     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %q: %s", e.Capability, e.Detail)
}

// Registry is the process-wide capability table. It is populated during
// startup and frozen before the first session; registration after
// Freeze is a programming error.
type Registry struct {
	mu     sync.RWMutex
	descs  map[string]Descriptor
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{descs: make(map[string]Descriptor)}
}

// Register adds a capability descriptor.
func (r *Registry) Register(d Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %q", d.Name)
	}
	if d.Name == "" || d.Exec == nil {
		return fmt.Errorf("descriptor must have a name and an executor")
	}
	if _, exists := r.descs[d.Name]; exists {
		return fmt.Errorf("capability %q already registered", d.Name)
	}
	r.descs[d.Name] = d
	return nil
}

// Freeze makes the registry read-only for the rest of the process lifetime.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns a capability descriptor by name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[name]
	return d, ok
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descs))
	for _, d := range r.descs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Validate checks a single request against its declared contract.
func (r *Registry) Validate(req Request) error {
	d, ok := r.Get(req.Name)
	if !ok {
		return &NotFoundError{Capability: req.Name}
	}
	return validateArgs(d, req.Arguments)
}

// ValidatePlan checks every request in a proposed plan. The first
// violation is returned; a valid plan returns nil.
func (r *Registry) ValidatePlan(reqs []Request) error {
	if len(reqs) == 0 {
		return &ValidationError{Capability: "", Detail: "plan contains no invocations"}
	}
	for _, req := range reqs {
		if err := r.Validate(req); err != nil {
			return err
		}
	}
	return nil
}

func validateArgs(d Descriptor, args map[string]any) error {
	specs := make(map[string]ParamSpec, len(d.Params))
	for _, p := range d.Params {
		specs[p.Name] = p
		if _, present := args[p.Name]; p.Required && !present {
			return &ValidationError{Capability: d.Name,
				Detail: fmt.Sprintf("missing required argument %q", p.Name)}
		}
	}
	for name, val := range args {
		spec, known := specs[name]
		if !known {
			return &ValidationError{Capability: d.Name,
				Detail: fmt.Sprintf("unknown argument %q", name)}
		}
		if isResultRef(val) {
			// Reference to an earlier invocation's result; resolved by
			// the dispatcher before execution.
			continue
		}
		if err := checkType(spec, val); err != nil {
			return &ValidationError{Capability: d.Name, Detail: err.Error()}
		}
	}
	return nil
}

func checkType(spec ParamSpec, val any) error {
	switch spec.Type {
	case TypeString:
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("argument %q must be a string", spec.Name)
		}
		if len(spec.Enum) > 0 && !contains(spec.Enum, s) {
			return fmt.Errorf("argument %q must be one of %v", spec.Name, spec.Enum)
		}
	case TypeInt:
		f, ok := asFloat(val)
		if !ok || f != math.Trunc(f) {
			return fmt.Errorf("argument %q must be an integer", spec.Name)
		}
		return checkRange(spec, f)
	case TypeFloat:
		f, ok := asFloat(val)
		if !ok {
			return fmt.Errorf("argument %q must be a number", spec.Name)
		}
		return checkRange(spec, f)
	case TypeBool:
		if _, ok := val.(bool); !ok {
			return fmt.Errorf("argument %q must be a boolean", spec.Name)
		}
	case TypeTimestamp:
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("argument %q must be an RFC 3339 timestamp string", spec.Name)
		}
		if _, err := time.Parse(time.RFC3339, s); err != nil {
			if _, err := time.Parse("2006-01-02", s); err != nil {
				return fmt.Errorf("argument %q is not a valid timestamp: %v", spec.Name, s)
			}
		}
	default:
		return fmt.Errorf("argument %q has unsupported declared type %q", spec.Name, spec.Type)
	}
	return nil
}

func checkRange(spec ParamSpec, f float64) error {
	if spec.Min != nil && f < *spec.Min {
		return fmt.Errorf("argument %q below minimum %v", spec.Name, *spec.Min)
	}
	if spec.Max != nil && f > *spec.Max {
		return fmt.Errorf("argument %q above maximum %v", spec.Name, *spec.Max)
	}
	return nil
}

func asFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
