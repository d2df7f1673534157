package authz

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/product-os/autumndb/pkg/contracts"
)

// celEvaluator evaluates {$eval: "<expr>"} clauses embedded in a role's
// data.read schema against the context {user: actor}, caching compiled
// programs by expression text.
type celEvaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newCELEvaluator() *celEvaluator {
	env, err := cel.NewEnv(cel.Variable("user", cel.DynType))
	if err != nil {
		// The environment only declares one dynamically-typed variable;
		// construction failing here would indicate a broken cel-go build,
		// not a runtime condition callers can recover from.
		panic(fmt.Sprintf("authz: cel environment: %v", err))
	}
	return &celEvaluator{env: env, programs: make(map[string]cel.Program)}
}

func (e *celEvaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok = e.programs[expr]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	e.programs[expr] = prg
	return prg, nil
}

// resolve walks node and replaces every {"$eval": "<expr>"} map with the
// literal value the expression evaluates to against actor.
func (e *celEvaluator) resolve(node interface{}, actor *contracts.Contract) (interface{}, error) {
	switch v := node.(type) {
	case map[string]interface{}:
		if expr, ok := v["$eval"]; ok && len(v) == 1 {
			exprStr, ok := expr.(string)
			if !ok {
				return nil, fmt.Errorf("$eval expression must be a string")
			}
			return e.evalExpr(exprStr, actor)
		}
		out := make(map[string]interface{}, len(v))
		for k, child := range v {
			resolved, err := e.resolve(child, actor)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			resolved, err := e.resolve(child, actor)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (e *celEvaluator) evalExpr(expr string, actor *contracts.Contract) (interface{}, error) {
	prg, err := e.program(expr)
	if err != nil {
		return nil, err
	}

	userMap, err := actorToMap(actor)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(map[string]interface{}{"user": userMap})
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", expr, err)
	}
	return out.Value(), nil
}

func actorToMap(actor *contracts.Contract) (map[string]interface{}, error) {
	if actor == nil {
		return map[string]interface{}{}, nil
	}
	raw, err := json.Marshal(actor)
	if err != nil {
		return nil, fmt.Errorf("marshal actor: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal actor: %w", err)
	}
	return m, nil
}
