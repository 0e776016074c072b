package resolve

// deepCopy clones maps and slices recursively so resolver output never
// aliases store-held containers. Scalars are returned as-is.
func deepCopy(v any) any {
	switch val := v.(type) {
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case map[int]any:
		out := make(map[int]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case map[any]any:
		out := make(map[any]any, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}

// DeepCopy is the exported clone used by the execution context when values
// cross the store boundary.
func DeepCopy(v any) any { return deepCopy(v) }
