package expr

import (
	"github.com/viant/parsly"
	"github.com/viant/parsly/matcher"
)

// Token codes
const (
	whitespaceCode = iota
	identifierCode
	dotCode
	operatorCode
	numberCode
	stringCode
)

// Token definitions
var (
	whitespaceToken = parsly.NewToken(whitespaceCode, "Whitespace", matcher.NewWhiteSpace())
	identifierToken = parsly.NewToken(identifierCode, "Identifier", newIdentifierMatcher())
	dotToken        = parsly.NewToken(dotCode, ".", matcher.NewByte('.'))
	operatorToken   = parsly.NewToken(operatorCode, "Operator", newOperatorMatcher())
	numberToken     = parsly.NewToken(numberCode, "Number", newNumberMatcher())
	stringToken     = parsly.NewToken(stringCode, "String", newStringMatcher())
)

// Custom matchers
func newIdentifierMatcher() parsly.Matcher {
	return &identifierMatcher{}
}

func newOperatorMatcher() parsly.Matcher {
	return &operatorMatcher{}
}

func newNumberMatcher() parsly.Matcher {
	return &numberMatcher{}
}

func newStringMatcher() parsly.Matcher {
	return &stringMatcher{}
}

// identifierMatcher matches valid identifier names
type identifierMatcher struct{}

func (m *identifierMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	if pos >= size {
		return 0
	}

	// First character must be a letter or underscore
	if !isLetter(input[pos]) && input[pos] != '_' {
		return 0
	}

	matched := 1
	for i := pos + 1; i < size; i++ {
		if isLetter(input[i]) || isDigit(input[i]) || input[i] == '_' {
			matched++
			continue
		}
		break
	}
	return matched
}

// operatorMatcher matches comparison operators; two-byte forms take priority
type operatorMatcher struct{}

func (m *operatorMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	if pos >= size {
		return 0
	}

	if pos+1 < size && input[pos+1] == '=' {
		switch input[pos] {
		case '=', '!', '>', '<':
			return 2
		}
	}
	switch input[pos] {
	case '>', '<':
		return 1
	}
	return 0
}

// numberMatcher matches integer and decimal literals with an optional sign
type numberMatcher struct{}

func (m *numberMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	if pos >= size {
		return 0
	}

	matched := 0
	if input[pos] == '-' {
		if pos+1 >= size || !isDigit(input[pos+1]) {
			return 0
		}
		matched = 1
	}
	if !isDigit(input[pos+matched]) {
		return 0
	}

	seenDot := false
	for i := pos + matched; i < size; i++ {
		if isDigit(input[i]) {
			matched++
			continue
		}
		if input[i] == '.' && !seenDot && i+1 < size && isDigit(input[i+1]) {
			seenDot = true
			matched++
			continue
		}
		break
	}
	return matched
}

// stringMatcher matches single- or double-quoted literals
type stringMatcher struct{}

func (m *stringMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	if pos >= size {
		return 0
	}

	quote := input[pos]
	if quote != '\'' && quote != '"' {
		return 0
	}
	for i := pos + 1; i < size; i++ {
		if input[i] == quote {
			return i - pos + 1
		}
	}
	return 0
}

// Helper functions
func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
