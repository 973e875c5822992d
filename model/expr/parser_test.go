package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAndEvalBool(t *testing.T) {
	scope := map[string]interface{}{
		"input": map[string]interface{}{
			"amount":   float64(12000),
			"urgent":   true,
			"category": "travel",
			"owner":    "alice",
		},
		"step": map[string]interface{}{
			"status": "completed",
		},
	}

	testCases := []struct {
		description string
		expression  string
		expect      bool
	}{
		{"numeric greater than", "input.amount > 10000", true},
		{"numeric less than", "input.amount < 10000", false},
		{"numeric equality", "input.amount == 12000", true},
		{"string equality", "input.category == 'travel'", true},
		{"string inequality", "input.category != \"hardware\"", true},
		{"bare boolean path", "input.urgent", true},
		{"bare string path is truthy", "input.owner", true},
		{"missing path is falsy", "input.nothing", false},
		{"path against literal bool", "input.urgent == true", true},
		{"cross section comparison", "step.status == 'completed'", true},
		{"numeric boundary inclusive", "input.amount >= 12000", true},
		{"numeric boundary exclusive", "input.amount <= 11999", false},
	}

	for _, testCase := range testCases {
		parsed, err := Parse(testCase.expression)
		if !assert.NoError(t, err, testCase.description) {
			continue
		}
		actual, err := EvalBool(parsed, scope)
		assert.NoError(t, err, testCase.description)
		assert.Equal(t, testCase.expect, actual, testCase.description)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, expression := range []string{
		"",
		"input. ",
		"input.amount >",
		"input.amount > 1 extra",
		"== 5",
	} {
		_, err := Parse(expression)
		assert.Error(t, err, expression)
	}
}

func TestParsePath(t *testing.T) {
	path, err := ParsePath("input_data.manager_id")
	assert.NoError(t, err)
	assert.Equal(t, "input_data.manager_id", path.String())

	value, err := path.Eval(map[string]interface{}{
		"input_data": map[string]interface{}{"manager_id": "carol"},
	})
	assert.NoError(t, err)
	assert.Equal(t, "carol", value)

	_, err = ParsePath("input.amount > 5")
	assert.Error(t, err)

	_, err = ParsePath("'literal'")
	assert.Error(t, err)
}

func TestCompare_NonNumericOrdering(t *testing.T) {
	parsed, err := Parse("input.category > 5")
	assert.NoError(t, err)
	_, err = parsed.Eval(map[string]interface{}{
		"input": map[string]interface{}{"category": "travel"},
	})
	assert.Error(t, err)
}
