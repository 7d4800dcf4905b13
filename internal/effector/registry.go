// Package effector dispatches named operations on an entity.
//
// Invocation flow:
//  1. Look up the effector by name
//  2. Check every required parameter is present and non-nil
//  3. Run the handler and report the outcome
package effector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrUnknownEffector is returned when no effector has the requested name.
	ErrUnknownEffector = errors.New("unknown effector")
	// ErrMissingParameter is returned when a required parameter is absent or nil.
	ErrMissingParameter = errors.New("missing required parameter")
)

// Params carries effector arguments by name.
type Params map[string]any

// String returns the named parameter as a string.
func (p Params) String(name string) string {
	v, ok := p[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// HandlerFunc runs an effector. The returned value is reported to the caller.
type HandlerFunc func(ctx context.Context, params Params) (any, error)

// Param describes one effector parameter.
type Param struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Effector is a named, described operation.
type Effector struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Params      []Param     `json:"params,omitempty"`
	Handler     HandlerFunc `json:"-"`
}

// Result is the outcome of one invocation.
type Result struct {
	Effector string `json:"effector"`
	Success  bool   `json:"success"`
	Value    any    `json:"value,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Registry holds an entity's effectors.
type Registry struct {
	mu        sync.RWMutex
	effectors map[string]Effector
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		effectors: make(map[string]Effector),
		logger:    logger.Named("effector"),
	}
}

// Register adds or replaces an effector.
func (r *Registry) Register(e Effector) {
	r.mu.Lock()
	r.effectors[e.Name] = e
	r.mu.Unlock()
}

// Lookup returns the effector called name.
func (r *Registry) Lookup(name string) (Effector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.effectors[name]
	return e, ok
}

// List returns all effectors sorted by name.
func (r *Registry) List() []Effector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Effector, 0, len(r.effectors))
	for _, e := range r.effectors {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates params and runs the named effector.
func (r *Registry) Invoke(ctx context.Context, name string, params Params) (any, error) {
	e, ok := r.Lookup(name)
	if !ok {
		r.logger.Warn("Unknown effector", zap.String("effector", name))
		return nil, fmt.Errorf("%w: %s", ErrUnknownEffector, name)
	}
	if params == nil {
		params = Params{}
	}
	for _, p := range e.Params {
		if !p.Required {
			continue
		}
		if v, ok := params[p.Name]; !ok || v == nil {
			return nil, fmt.Errorf("%s: %w %q", name, ErrMissingParameter, p.Name)
		}
	}

	r.logger.Info("Invoking effector", zap.String("effector", name))
	v, err := e.Handler(ctx, params)
	if err != nil {
		r.logger.Warn("Effector failed", zap.String("effector", name), zap.Error(err))
		return nil, err
	}
	r.logger.Debug("Effector completed", zap.String("effector", name))
	return v, nil
}

// InvokeResult is Invoke with the outcome folded into a Result.
func (r *Registry) InvokeResult(ctx context.Context, name string, params Params) *Result {
	v, err := r.Invoke(ctx, name, params)
	if err != nil {
		return &Result{Effector: name, Success: false, Error: err.Error()}
	}
	return &Result{Effector: name, Success: true, Value: v}
}
