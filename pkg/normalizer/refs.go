package normalizer

import (
	"encoding/json"
	"strconv"

	"github.com/jmespath/go-jmespath"
)

// refSet names the JMESPath expressions that locate entity references in a payload.
type refSet []struct {
	name string
	expr *jmespath.JMESPath
}

func newRefSet(pairs ...string) refSet {
	set := make(refSet, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		set = append(set, struct {
			name string
			expr *jmespath.JMESPath
		}{name: pairs[i], expr: jmespath.MustCompile(pairs[i+1])})
	}
	return set
}

// extract evaluates every expression against raw. Missing and non-scalar values
// are omitted; numbers are rendered without a fraction when they are whole.
func (s refSet) extract(raw []byte) map[string]any {
	refs := map[string]any{}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return refs
	}

	for _, ref := range s {
		result, err := ref.expr.Search(data)
		if err != nil || result == nil {
			continue
		}
		switch v := result.(type) {
		case string:
			if v != "" {
				refs[ref.name] = v
			}
		case float64:
			if v == float64(int64(v)) {
				refs[ref.name] = strconv.FormatInt(int64(v), 10)
			} else {
				refs[ref.name] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		case bool:
			refs[ref.name] = v
		}
	}
	return refs
}
