// Package modules ships the built-in executors: variable and data-row
// operations, control flow, rendezvous-backed prompts, media handling, and
// the ad-hoc share servers. Browser automation executors register through
// the same registry from their own package.
package modules

import (
	"fmt"
	"math"
	"strconv"

	"github.com/mfields/calder/internal/engine"
	"github.com/mfields/calder/internal/workflow"
)

// RegisterAll registers every built-in executor.
func RegisterAll(reg *engine.Registry) {
	reg.Register(startExecutor{})
	reg.Register(commentExecutor{})
	reg.Register(setVariableExecutor{})
	reg.Register(deleteVariableExecutor{})
	reg.Register(printLogExecutor{})
	reg.Register(waitExecutor{})
	reg.Register(subflowEndExecutor{})
	reg.Register(conditionalExecutor{})
	reg.Register(loopRangeExecutor{})
	reg.Register(loopListExecutor{})
	reg.Register(loopWhileExecutor{})
	reg.Register(loopEndExecutor{})
	reg.Register(breakExecutor{})
	reg.Register(continueExecutor{})
	reg.Register(addDataValueExecutor{})
	reg.Register(commitRowExecutor{})
	reg.Register(exportLogsExecutor{})
	reg.Register(exportDataExecutor{})
	reg.Register(inputPromptExecutor{})
	reg.Register(scriptEvalExecutor{})
	reg.Register(playMediaExecutor{})
	reg.Register(mediaTranscodeExecutor{})
	reg.Register(fileShareExecutor{})
	reg.Register(screenShareExecutor{})
}

// anyCfg reads a config field and resolves references in it.
func anyCfg(rc *engine.ExecContext, node *workflow.Node, key string) (any, error) {
	raw, ok := node.Config[key]
	if !ok {
		return nil, nil
	}
	return rc.Resolver().Resolve(raw)
}

// strCfg reads a config field as a resolved string. Missing fields resolve
// to "".
func strCfg(rc *engine.ExecContext, node *workflow.Node, key string) (string, error) {
	raw, ok := node.Config[key]
	if !ok {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return fmt.Sprintf("%v", raw), nil
	}
	return rc.Resolver().String(s)
}

// intCfg reads a config field as a resolved int with a default.
func intCfg(rc *engine.ExecContext, node *workflow.Node, key string, def int) (int, error) {
	raw, ok := node.Config[key]
	if !ok {
		return def, nil
	}
	v, err := rc.Resolver().Resolve(raw)
	if err != nil {
		return 0, err
	}
	n, ok := toInt(v)
	if !ok {
		return 0, fmt.Errorf("config field %q: %v is not an integer", key, v)
	}
	return n, nil
}

// floatCfg reads a config field as a resolved float with a default.
func floatCfg(rc *engine.ExecContext, node *workflow.Node, key string, def float64) (float64, error) {
	raw, ok := node.Config[key]
	if !ok {
		return def, nil
	}
	v, err := rc.Resolver().Resolve(raw)
	if err != nil {
		return 0, err
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("config field %q: %v is not a number", key, v)
	}
	return f, nil
}

// boolCfg reads an unresolved boolean config field.
func boolCfg(node *workflow.Node, key string, def bool) bool {
	raw, ok := node.Config[key]
	if !ok {
		return def
	}
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return def
		}
		return b
	default:
		return def
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		// A fractional value in an integer field is an authoring error,
		// not something to truncate away.
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
