package modules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"

	"github.com/mfields/calder/internal/engine"
	"github.com/mfields/calder/internal/workflow"
)

// conditionalExecutor evaluates a comparison and steers the "true"/"false"
// labeled edges.
type conditionalExecutor struct{}

func (conditionalExecutor) Type() workflow.ModuleType { return "conditional" }

func (conditionalExecutor) Execute(_ context.Context, rc *engine.ExecContext, node *workflow.Node) engine.Result {
	operator, _ := node.Config["operator"].(string)
	if operator == "" {
		operator = "equals"
	}

	verdict, err := evaluate(rc, node, operator)
	if err != nil {
		return engine.Fail("conditional: %v", err)
	}

	r := engine.OK(fmt.Sprintf("condition %v", verdict))
	if verdict {
		r.Branch = "true"
	} else {
		r.Branch = "false"
	}
	return r
}

func evaluate(rc *engine.ExecContext, node *workflow.Node, operator string) (bool, error) {
	if operator == "expression" {
		source, err := strCfg(rc, node, "expression")
		if err != nil {
			return false, err
		}
		return evalExpression(source, rc.Vars())
	}

	left, err := anyCfg(rc, node, "left")
	if err != nil {
		return false, err
	}

	if operator == "exists" {
		return left != nil, nil
	}

	right, err := anyCfg(rc, node, "right")
	if err != nil {
		return false, err
	}

	switch operator {
	case "equals":
		return compareEqual(left, right), nil
	case "not_equals":
		return !compareEqual(left, right), nil
	case "contains":
		return strings.Contains(asString(left), asString(right)), nil
	case "matches_regex":
		re, err := regexp.Compile(asString(right))
		if err != nil {
			return false, fmt.Errorf("bad pattern: %w", err)
		}
		return re.MatchString(asString(left)), nil
	case "gt", "lt", "gte", "lte":
		lf, lok := toFloat(left)
		rf, rok := toFloat(right)
		if !lok || !rok {
			return false, fmt.Errorf("operator %s needs numeric operands, got %v and %v", operator, left, right)
		}
		switch operator {
		case "gt":
			return lf > rf, nil
		case "lt":
			return lf < rf, nil
		case "gte":
			return lf >= rf, nil
		default:
			return lf <= rf, nil
		}
	default:
		return false, fmt.Errorf("unknown operator %q", operator)
	}
}

// compareEqual compares numerically when both sides parse as numbers,
// otherwise by string form. "5" therefore equals 5.
func compareEqual(left, right any) bool {
	if lf, lok := toFloat(left); lok {
		if rf, rok := toFloat(right); rok {
			return lf == rf
		}
	}
	return asString(left) == asString(right)
}

func asString(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// evalExpression compiles and runs an expr-lang expression against the
// current variables and coerces the result to a boolean.
func evalExpression(source string, env map[string]any) (bool, error) {
	if source == "" {
		return false, fmt.Errorf("empty expression")
	}
	program, err := expr.Compile(source, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compile: %w", err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	switch v := out.(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		if f, ok := toFloat(v); ok {
			return f != 0, nil
		}
		return asString(v) != "", nil
	}
}
