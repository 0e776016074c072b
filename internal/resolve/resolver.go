// Package resolve implements variable-reference resolution for strings
// embedded in node configurations.
//
// Syntax:
//
//	Ref      := "${" Path "}" | "{" Path "}"
//	Path     := Name ("[" Accessor "]")*
//	Accessor := Integer | QuotedString | BareWord | Ref
//
// A string that is exactly one reference resolves to the raw referenced
// value; anything else interpolates, JSON-encoding compound values. Missing
// variables and out-of-range accessors yield nil, never an error. Only
// malformed accessor syntax (an unterminated bracket or quote) produces a
// *ResolveError.
//
// Resolution re-runs up to maxDepth times so references produced by other
// references still resolve. Resolved values are deep-copied before they are
// returned, so later writes to the store cannot alias into already-computed
// results.
package resolve

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// maxDepth bounds nested re-resolution passes.
const maxDepth = 5

// Vars is the variable lookup the resolver reads from.
type Vars interface {
	Lookup(name string) (any, bool)
}

// VarsFunc adapts a function to the Vars interface.
type VarsFunc func(name string) (any, bool)

// Lookup implements Vars.
func (f VarsFunc) Lookup(name string) (any, bool) { return f(name) }

// ResolveError reports malformed accessor syntax inside a reference.
type ResolveError struct {
	Input  string
	Pos    int
	Reason string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %q: %s at offset %d", e.Input, e.Reason, e.Pos)
}

// Resolver evaluates references against a variable source.
type Resolver struct {
	vars Vars
}

// New creates a Resolver reading from vars.
func New(vars Vars) *Resolver {
	return &Resolver{vars: vars}
}

// Resolve evaluates references in input. Non-string inputs pass through
// unchanged. The result is deep-copied when it came from the variable store.
func (r *Resolver) Resolve(input any) (any, error) {
	s, ok := input.(string)
	if !ok {
		return input, nil
	}

	current := any(s)
	for depth := 0; depth < maxDepth; depth++ {
		str, isStr := current.(string)
		if !isStr || !strings.Contains(str, "{") {
			break
		}
		next, changed, err := r.resolveOnce(str)
		if err != nil {
			return nil, err
		}
		if !changed {
			break
		}
		current = next
	}
	return current, nil
}

// String resolves input and renders the result as a string. A nil result
// renders as the empty string.
func (r *Resolver) String(input string) (string, error) {
	v, err := r.Resolve(input)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return stringify(v), nil
}

// resolveOnce performs one substitution pass. When the whole input is a
// single bare reference the raw value is returned; otherwise references are
// stringified into the surrounding text.
func (r *Resolver) resolveOnce(s string) (any, bool, error) {
	var (
		b       strings.Builder
		i       int
		matched bool
	)

	for i < len(s) {
		start, ref, end, err := r.nextRef(s, i)
		if err != nil {
			return nil, false, err
		}
		if ref == nil {
			b.WriteString(s[i:])
			break
		}

		value, err := r.eval(ref)
		if err != nil {
			return nil, false, err
		}

		// Whole-string bare reference returns the raw value.
		if start == 0 && end == len(s) {
			return deepCopy(value), true, nil
		}

		matched = true
		b.WriteString(s[i:start])
		b.WriteString(stringify(value))
		i = end
	}

	if !matched {
		return s, false, nil
	}
	return b.String(), true, nil
}

// parsedRef is one reference occurrence with its raw accessor texts.
type parsedRef struct {
	name      string
	accessors []string
}

// nextRef scans s from offset for the next reference. Returns the match
// bounds and the parsed reference, or a nil ref when no further reference
// exists. Text that merely looks brace-ish (e.g. JSON literals) is skipped,
// not an error; an opened accessor bracket that never closes is.
func (r *Resolver) nextRef(s string, from int) (start int, ref *parsedRef, end int, err error) {
	for i := from; i < len(s); i++ {
		if s[i] != '{' && !(s[i] == '$' && i+1 < len(s) && s[i+1] == '{') {
			continue
		}

		start = i
		body := i + 1
		if s[i] == '$' {
			body = i + 2
		} else if i > 0 && s[i-1] == '$' {
			// The "${" case already handled this brace.
			continue
		}

		name, pos := scanName(s, body)
		if name == "" {
			continue // not a reference, plain brace text
		}

		accessors, pos, aerr := scanAccessors(s, pos)
		if aerr != nil {
			return 0, nil, 0, aerr
		}
		if pos >= len(s) || s[pos] != '}' {
			continue // no closing brace, treat as literal
		}
		return start, &parsedRef{name: name, accessors: accessors}, pos + 1, nil
	}
	return 0, nil, 0, nil
}

// scanName reads a variable name: unicode letters, digits, underscore, dot.
func scanName(s string, i int) (string, int) {
	start := i
	for i < len(s) {
		r, size := decodeRune(s, i)
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.' || r == '-' {
			i += size
			continue
		}
		break
	}
	return s[start:i], i
}

func decodeRune(s string, i int) (rune, int) {
	for j, r := range s[i:] {
		if j == 0 {
			return r, len(string(r))
		}
	}
	return 0, 0
}

// scanAccessors reads zero or more bracketed accessors, returning their raw
// contents. Nested references inside an accessor are kept intact.
func scanAccessors(s string, i int) ([]string, int, error) {
	var accessors []string
	for i < len(s) && s[i] == '[' {
		content, next, err := scanOneAccessor(s, i)
		if err != nil {
			return nil, 0, err
		}
		accessors = append(accessors, content)
		i = next
	}
	return accessors, i, nil
}

// scanOneAccessor reads the bracketed accessor starting at s[i] == '[',
// returning its content and the offset past the closing bracket.
func scanOneAccessor(s string, i int) (string, int, error) {
	depth := 0
	inQuote := byte(0)
	j := i + 1
	for ; j < len(s); j++ {
		c := s[j]
		if inQuote != 0 {
			if c == inQuote {
				inQuote = 0
			}
			continue
		}
		switch c {
		case '"', '\'':
			inQuote = c
		case '[', '{':
			depth++
		case '}':
			if depth == 0 {
				return "", 0, &ResolveError{Input: s, Pos: j, Reason: "unterminated accessor"}
			}
			depth--
		case ']':
			if depth == 0 {
				return s[i+1 : j], j + 1, nil
			}
			depth--
		}
	}
	if inQuote != 0 {
		return "", 0, &ResolveError{Input: s, Pos: j, Reason: "unterminated quote in accessor"}
	}
	return "", 0, &ResolveError{Input: s, Pos: i, Reason: "unterminated accessor"}
}

// eval resolves a parsed reference to its value, walking accessors.
func (r *Resolver) eval(ref *parsedRef) (any, error) {
	value, ok := r.vars.Lookup(ref.name)
	if !ok {
		return nil, nil
	}

	for _, raw := range ref.accessors {
		key, err := r.evalAccessor(raw)
		if err != nil {
			return nil, err
		}
		value = access(value, key)
		if value == nil {
			return nil, nil
		}
	}
	return value, nil
}

// evalAccessor turns raw accessor text into a key: int, string, or whatever
// a nested reference produced.
func (r *Resolver) evalAccessor(raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	// Nested reference: resolve it first.
	if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "${") {
		return r.Resolve(raw)
	}

	// Quoted string accessor.
	if len(raw) >= 2 {
		if (raw[0] == '"' && raw[len(raw)-1] == '"') || (raw[0] == '\'' && raw[len(raw)-1] == '\'') {
			return raw[1 : len(raw)-1], nil
		}
	}

	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}

	// Bare word: may itself contain inner references ("item_{i}").
	if strings.Contains(raw, "{") {
		resolved, err := r.Resolve(raw)
		if err != nil {
			return nil, err
		}
		return resolved, nil
	}
	return raw, nil
}

// access walks one step into a container. Out-of-range and missing keys
// yield nil.
func access(value any, key any) any {
	switch container := value.(type) {
	case []any:
		idx, ok := toIndex(key)
		if !ok {
			return nil
		}
		if idx < 0 {
			idx += len(container)
		}
		if idx < 0 || idx >= len(container) {
			return nil
		}
		return container[idx]

	case map[string]any:
		// Key tried as given first, then the numeric fallback for maps
		// that were authored with integer-looking keys.
		switch k := key.(type) {
		case string:
			if v, ok := container[k]; ok {
				return v
			}
			return nil
		case int:
			if v, ok := container[strconv.Itoa(k)]; ok {
				return v
			}
			return nil
		default:
			return nil
		}

	case map[int]any:
		idx, ok := toIndex(key)
		if !ok {
			return nil
		}
		return container[idx]

	case map[any]any:
		if v, ok := container[key]; ok {
			return v
		}
		if s, ok := key.(string); ok {
			if n, err := strconv.Atoi(s); err == nil {
				return container[n]
			}
		}
		return nil

	default:
		return nil
	}
}

// toIndex coerces a key into a list index.
func toIndex(key any) (int, bool) {
	switch k := key.(type) {
	case int:
		return k, true
	case float64:
		return int(k), true
	case string:
		n, err := strconv.Atoi(k)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// stringify renders a value for interpolation into surrounding text.
// Compound values are JSON-encoded; nil renders as "null".
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// StripRef removes a surrounding "${...}" or "{...}" wrapper from a variable
// name, so store operations accept either a bare name or a reference.
func StripRef(name string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "${") && strings.HasSuffix(name, "}") {
		return name[2 : len(name)-1]
	}
	if strings.HasPrefix(name, "{") && strings.HasSuffix(name, "}") {
		return name[1 : len(name)-1]
	}
	return name
}
