package criteria

import (
	"github.com/flowgate/flowgate/service/dao"
)

// Match evaluates List filter parameters against a record's filterable
// fields.  Parameters naming a field the record does not expose are ignored
// rather than failing the match.
func Match(fields map[string]string, parameters []*dao.Parameter) bool {
	for _, parameter := range parameters {
		actual, ok := fields[parameter.Name]
		if !ok {
			continue
		}
		switch expected := parameter.Value.(type) {
		case string:
			if actual != expected {
				return false
			}
		case []string:
			if !contains(expected, actual) {
				return false
			}
		}
	}
	return true
}

func contains(values []string, candidate string) bool {
	for _, value := range values {
		if value == candidate {
			return true
		}
	}
	return false
}
