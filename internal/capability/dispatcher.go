package capability

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome classifies how an invocation finished.
type Outcome string

const (
	OutcomeOK      Outcome = "ok"
	OutcomeError   Outcome = "error"
	OutcomeTimeout Outcome = "timeout"
)

// Invocation is the record of one dispatched capability call. It is
// created by the Dispatcher and owned by the phase that triggered it;
// once returned it is never mutated.
type Invocation struct {
	ID         string          `json:"id"`
	Capability string          `json:"capability"`
	Arguments  map[string]any  `json:"arguments,omitempty"`
	Result     *ResultEnvelope `json:"result"`
	Outcome    Outcome         `json:"outcome"`
	StartedAt  time.Time       `json:"started_at"`
	Duration   time.Duration   `json:"duration"`
}

// Dispatcher validates requests against the registry, executes them
// under a bounded timeout, and normalizes every outcome into a
// ResultEnvelope. No error or panic escapes it.
type Dispatcher struct {
	reg      *Registry
	timeout  time.Duration
	parallel int
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. timeout bounds a single
// execution; parallel bounds concurrent independent invocations in
// DispatchAll.
func NewDispatcher(reg *Registry, timeout time.Duration, parallel int, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if parallel <= 0 {
		parallel = 1
	}
	return &Dispatcher{reg: reg, timeout: timeout, parallel: parallel, logger: logger}
}

// Dispatch runs a single request end to end.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) *Invocation {
	return d.dispatch(ctx, req, Args(req.Arguments))
}

// dispatch validates the request as proposed but executes with the
// given arguments, which may carry resolved result references the
// declared schema could not type-check.
func (d *Dispatcher) dispatch(ctx context.Context, req Request, args Args) *Invocation {
	inv := &Invocation{
		ID:         uuid.New().String(),
		Capability: req.Name,
		Arguments:  req.Arguments,
		StartedAt:  time.Now(),
	}

	desc, found := d.reg.Get(req.Name)
	if !found {
		inv.Result = Failure(ErrCapabilityNotFound,
			fmt.Sprintf("capability %q is not registered", req.Name))
		inv.Outcome = OutcomeError
		return inv
	}

	// Validation failure means the executor never runs: no partial
	// side effects.
	if err := d.reg.Validate(req); err != nil {
		inv.Result = Failure(ErrValidationFailed, err.Error())
		inv.Outcome = OutcomeError
		return inv
	}

	inv.Result, inv.Outcome = d.execute(ctx, desc, args)
	inv.Duration = time.Since(inv.StartedAt)

	d.logger.Debug("dispatched capability",
		zap.String("capability", req.Name),
		zap.String("outcome", string(inv.Outcome)),
		zap.Duration("duration", inv.Duration))
	return inv
}

type execResult struct {
	env *ResultEnvelope
	err error
}

func (d *Dispatcher) execute(ctx context.Context, desc Descriptor, args Args) (*ResultEnvelope, Outcome) {
	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ch := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("capability panicked",
					zap.String("capability", desc.Name), zap.Any("panic", r))
				ch <- execResult{env: Failure(ErrInternal,
					fmt.Sprintf("capability %q failed unexpectedly", desc.Name))}
			}
		}()
		env, err := desc.Exec(cctx, args)
		ch <- execResult{env: env, err: err}
	}()

	select {
	case res := <-ch:
		return normalize(desc.Name, res), outcomeOf(res)
	case <-cctx.Done():
		// The call is abandoned; its side effects are not attributed
		// as successful.
		return Failure(ErrTimeout,
			fmt.Sprintf("capability %q exceeded its %s execution bound", desc.Name, d.timeout)), OutcomeTimeout
	}
}

func normalize(name string, res execResult) *ResultEnvelope {
	if res.err != nil {
		// Capability authors should map failures into envelopes; a raw
		// error is wrapped as a generic internal failure.
		return Failure(ErrInternal,
			fmt.Sprintf("capability %q: internal error: %v", name, res.err))
	}
	if res.env == nil {
		return Failure(ErrInternal,
			fmt.Sprintf("capability %q returned no envelope", name))
	}
	return res.env.Normalize()
}

func outcomeOf(res execResult) Outcome {
	if res.err != nil || res.env == nil || !res.env.Success {
		return OutcomeError
	}
	return OutcomeOK
}

// resultRefRe matches "$result[i]" argument values referencing the data
// payload of an earlier invocation in the same plan.
var resultRefRe = regexp.MustCompile(`^\$result\[(\d+)\]$`)

func isResultRef(val any) bool {
	s, ok := val.(string)
	return ok && resultRefRe.MatchString(s)
}

// DispatchAll executes a validated plan. Every request is attempted
// regardless of earlier failures, and results come back in plan order.
// When no request references another's result the invocations run in
// parallel under a bounded pool; a plan with references runs strictly
// sequentially so each reference resolves against a committed result.
func (d *Dispatcher) DispatchAll(ctx context.Context, reqs []Request) []*Invocation {
	if len(reqs) > 1 && d.parallel > 1 && !hasResultRefs(reqs) {
		return d.dispatchParallel(ctx, reqs)
	}

	invs := make([]*Invocation, len(reqs))
	for i, req := range reqs {
		resolved, err := resolveRefs(req, invs[:i])
		if err != nil {
			invs[i] = &Invocation{
				ID:         uuid.New().String(),
				Capability: req.Name,
				Arguments:  req.Arguments,
				StartedAt:  time.Now(),
				Result:     Failure(ErrValidationFailed, err.Error()),
				Outcome:    OutcomeError,
			}
			continue
		}
		invs[i] = d.dispatch(ctx, req, Args(resolved.Arguments))
	}
	return invs
}

func (d *Dispatcher) dispatchParallel(ctx context.Context, reqs []Request) []*Invocation {
	invs := make([]*Invocation, len(reqs))
	pool := make(chan struct{}, d.parallel)
	var wg sync.WaitGroup

	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req Request) {
			defer wg.Done()
			pool <- struct{}{}
			defer func() { <-pool }()
			invs[i] = d.Dispatch(ctx, req)
		}(i, req)
	}
	wg.Wait()
	return invs
}

func hasResultRefs(reqs []Request) bool {
	for _, req := range reqs {
		for _, v := range req.Arguments {
			if isResultRef(v) {
				return true
			}
		}
	}
	return false
}

// resolveRefs replaces "$result[i]" argument values with the data
// payload of the referenced invocation. A reference to a later
// invocation or to a failed result is a validation error.
func resolveRefs(req Request, prior []*Invocation) (Request, error) {
	var out map[string]any
	for name, val := range req.Arguments {
		s, ok := val.(string)
		if !ok {
			continue
		}
		m := resultRefRe.FindStringSubmatch(s)
		if m == nil {
			continue
		}
		idx, _ := strconv.Atoi(m[1])
		if idx >= len(prior) {
			return req, fmt.Errorf("argument %q references invocation %d, which has not run yet", name, idx)
		}
		ref := prior[idx]
		if ref.Result == nil || !ref.Result.Success {
			return req, fmt.Errorf("argument %q references failed invocation %d (%s)", name, idx, ref.Capability)
		}
		if out == nil {
			out = make(map[string]any, len(req.Arguments))
			for k, v := range req.Arguments {
				out[k] = v
			}
		}
		out[name] = ref.Result.Data
	}
	if out != nil {
		req.Arguments = out
	}
	return req, nil
}
