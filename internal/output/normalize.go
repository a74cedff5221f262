package output

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// NormalizeJSONValue rewrites a generically decoded CBOR value so that
// encoding/json accepts it: map keys become strings, byte strings become
// base64 and unknown tags become {"tag", "content"} objects.
func NormalizeJSONValue(v any) any {
	switch x := v.(type) {
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = NormalizeJSONValue(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = NormalizeJSONValue(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = NormalizeJSONValue(val)
		}
		return out
	case []byte:
		return base64.StdEncoding.EncodeToString(x)
	case cbor.Tag:
		return map[string]any{"tag": x.Number, "content": NormalizeJSONValue(x.Content)}
	default:
		return v
	}
}
