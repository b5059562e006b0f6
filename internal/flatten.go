package internal

import "strconv"

// Flatten collapses a nested map into a single level keyed by dotted paths,
// so `{"a": {"b": 1}}` becomes `{"a.b": 1}`. Arrays are kept whole under the
// path and under path+"[]", and each element is also flattened under an
// indexed key. These are the names filter rules match against.
func Flatten(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for key, value := range data {
		flattenValue(out, key, value)
	}
	return out
}

func flattenValue(out map[string]interface{}, path string, value interface{}) {
	switch typed := value.(type) {
	case map[string]interface{}:
		for key, child := range typed {
			flattenValue(out, path+"."+key, child)
		}
	case []interface{}:
		out[path] = typed
		out[path+"[]"] = typed
		for i, child := range typed {
			flattenValue(out, path+"["+strconv.Itoa(i)+"]", child)
		}
	default:
		out[path] = value
	}
}
