package workflow

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholder = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// render substitutes {{expr}} placeholders in payload values. A string that is a
// single placeholder keeps the evaluated value's type; placeholders embedded in
// text are formatted into it.
func render(value interface{}, scope map[string]interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return renderString(v, scope)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			rendered, err := render(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			rendered, err := render(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

func renderString(s string, scope map[string]interface{}) (interface{}, error) {
	matches := placeholder.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	trimmed := strings.TrimSpace(s)
	if len(matches) == 1 && matches[0][0] == strings.Index(s, trimmed) && matches[0][1]-matches[0][0] == len(trimmed) {
		return Evaluate(s[matches[0][2]:matches[0][3]], scope)
	}

	var sb strings.Builder
	last := 0
	for _, m := range matches {
		sb.WriteString(s[last:m[0]])
		value, err := Evaluate(s[m[2]:m[3]], scope)
		if err != nil {
			return nil, err
		}
		if value != nil {
			sb.WriteString(fmt.Sprint(value))
		}
		last = m[1]
	}
	sb.WriteString(s[last:])
	return sb.String(), nil
}
