package resolve

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testVars(m map[string]any) Vars {
	return VarsFunc(func(name string) (any, bool) {
		v, ok := m[name]
		return v, ok
	})
}

func TestResolve_PassThrough(t *testing.T) {
	r := New(testVars(nil))

	for _, input := range []any{42, 3.14, true, nil, []any{1, 2}} {
		out, err := r.Resolve(input)
		require.NoError(t, err)
		require.Equal(t, input, out)
	}

	out, err := r.Resolve("plain text, no references")
	require.NoError(t, err)
	require.Equal(t, "plain text, no references", out)
}

func TestResolve_BareReferenceReturnsRawValue(t *testing.T) {
	list := []any{"a", "b", "c"}
	r := New(testVars(map[string]any{
		"name":  "calder",
		"count": 7,
		"list":  list,
	}))

	out, err := r.Resolve("${name}")
	require.NoError(t, err)
	require.Equal(t, "calder", out)

	out, err = r.Resolve("{count}")
	require.NoError(t, err)
	require.Equal(t, 7, out)

	out, err = r.Resolve("{list}")
	require.NoError(t, err)
	require.Equal(t, list, out)
}

func TestResolve_DeepCopiesBareValues(t *testing.T) {
	list := []any{"a", "b"}
	r := New(testVars(map[string]any{"list": list}))

	out, err := r.Resolve("{list}")
	require.NoError(t, err)

	got, ok := out.([]any)
	require.True(t, ok)
	got[0] = "mutated"
	require.Equal(t, "a", list[0], "resolved value must not alias the store")
}

func TestResolve_Interpolation(t *testing.T) {
	r := New(testVars(map[string]any{
		"name":  "calder",
		"count": 7,
		"obj":   map[string]any{"k": "v"},
	}))

	tests := []struct {
		input string
		want  string
	}{
		{"hello ${name}", "hello calder"},
		{"count is {count}!", "count is 7!"},
		{"{name}/{count}", "calder/7"},
		{"obj: {obj}", `obj: {"k":"v"}`},
		{"missing: {nope}", "missing: null"},
	}
	for _, tt := range tests {
		out, err := r.Resolve(tt.input)
		require.NoError(t, err, tt.input)
		require.Equal(t, tt.want, out, tt.input)
	}
}

func TestResolve_Accessors(t *testing.T) {
	r := New(testVars(map[string]any{
		"list": []any{"a", "b", "c"},
		"obj": map[string]any{
			"key":    "value",
			"nested": map[string]any{"deep": 1},
			"42":     "numeric-key",
		},
		"i":   1,
		"idx": "2",
	}))

	tests := []struct {
		input string
		want  any
	}{
		{"{list[0]}", "a"},
		{"{list[-1]}", "c"},
		{"{list[5]}", nil},
		{`{obj["key"]}`, "value"},
		{"{obj['key']}", "value"},
		{"{obj[key]}", "value"},
		{`{obj["nested"]["deep"]}`, 1},
		{"{obj[42]}", "numeric-key"},
		{"{obj[missing]}", nil},
		{"{list[{i}]}", "b"},
		{"{list[{idx}]}", "c"},
	}
	for _, tt := range tests {
		out, err := r.Resolve(tt.input)
		require.NoError(t, err, tt.input)
		require.Equal(t, tt.want, out, tt.input)
	}
}

func TestResolve_MissingVariableIsNil(t *testing.T) {
	r := New(testVars(map[string]any{}))

	out, err := r.Resolve("{missing}")
	require.NoError(t, err)
	require.Nil(t, out)

	out, err = r.Resolve("{missing.key}")
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestResolve_NestedReferenceDepth(t *testing.T) {
	r := New(testVars(map[string]any{
		"a": "{b}",
		"b": "{c}",
		"c": "done",
	}))

	out, err := r.Resolve("{a}")
	require.NoError(t, err)
	require.Equal(t, "done", out)
}

func TestResolve_DepthCap(t *testing.T) {
	// A self-referencing chain must terminate, not spin.
	r := New(testVars(map[string]any{"x": "{x}"}))

	out, err := r.Resolve("{x}")
	require.NoError(t, err)
	require.Equal(t, "{x}", out)
}

func TestResolve_JSONBracesAreLiteral(t *testing.T) {
	r := New(testVars(map[string]any{"name": "v"}))

	tests := []string{
		`{"key": "value"}`,
		`{ }`,
		`text with { lone brace`,
		`{}`,
	}
	for _, input := range tests {
		out, err := r.Resolve(input)
		require.NoError(t, err, input)
		require.Equal(t, input, out, input)
	}
}

func TestResolve_MalformedAccessor(t *testing.T) {
	r := New(testVars(map[string]any{"a": []any{1}}))

	for _, input := range []string{"{a[0}", "{a[0}text", `{a["x}`} {
		_, err := r.Resolve(input)
		require.Error(t, err, input)
		var re *ResolveError
		require.ErrorAs(t, err, &re, input)
	}
}

func TestString(t *testing.T) {
	r := New(testVars(map[string]any{"n": 7, "list": []any{1, 2}}))

	s, err := r.String("{n}")
	require.NoError(t, err)
	require.Equal(t, "7", s)

	s, err = r.String("{missing}")
	require.NoError(t, err)
	require.Equal(t, "", s)

	s, err = r.String("{list}")
	require.NoError(t, err)
	require.Equal(t, "[1,2]", s)
}

func TestStripRef(t *testing.T) {
	require.Equal(t, "name", StripRef("${name}"))
	require.Equal(t, "name", StripRef("{name}"))
	require.Equal(t, "name", StripRef("name"))
	require.Equal(t, "name", StripRef("  {name} "))
}

func TestResolve_PlainStringsUnchanged(t *testing.T) {
	r := New(testVars(map[string]any{"x": 1}))

	rapid.Check(t, func(t *rapid.T) {
		s := rapid.StringMatching(`[a-zA-Z0-9 .,!/\\-]*`).Draw(t, "s")
		out, err := r.Resolve(s)
		require.NoError(t, err)
		require.Equal(t, s, out)
	})
}

func TestResolve_Idempotent(t *testing.T) {
	r := New(testVars(map[string]any{
		"a": "alpha",
		"b": 2,
		"c": []any{"x", "y"},
	}))

	rapid.Check(t, func(t *rapid.T) {
		name := rapid.SampledFrom([]string{"a", "b", "missing"}).Draw(t, "name")
		prefix := rapid.StringMatching(`[a-z ]{0,8}`).Draw(t, "prefix")
		input := prefix + "${" + name + "}"

		once, err := r.Resolve(input)
		require.NoError(t, err)

		s, ok := once.(string)
		if !ok {
			return
		}
		twice, err := r.Resolve(s)
		require.NoError(t, err)
		require.Equal(t, once, twice)
	})
}

func TestDeepCopy(t *testing.T) {
	original := map[string]any{
		"list": []any{1, map[string]any{"k": "v"}},
	}
	copied := DeepCopy(original).(map[string]any)

	copied["list"].([]any)[1].(map[string]any)["k"] = "changed"
	require.Equal(t, "v", original["list"].([]any)[1].(map[string]any)["k"])
}
