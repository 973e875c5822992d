package expr

import (
	"strconv"

	"github.com/viant/parsly"
)

// Parse parses a condition in the format: operand [operator operand] where an
// operand is a dotted path, a quoted string, a number or true/false.
func Parse(input string) (Expr, error) {
	cursor := parsly.NewCursor("", []byte(input), 0)

	left, err := parseOperand(cursor)
	if err != nil {
		return nil, err
	}

	matched := cursor.MatchAfterOptional(whitespaceToken, operatorToken)
	if matched.Code != operatorToken.Code {
		if err := expectEnd(cursor); err != nil {
			return nil, err
		}
		return left, nil
	}
	op := matched.Text(cursor)

	right, err := parseOperand(cursor)
	if err != nil {
		return nil, err
	}
	if err := expectEnd(cursor); err != nil {
		return nil, err
	}
	return &Compare{Left: left, Op: op, Right: right}, nil
}

// ParsePath parses a pure dotted path expression, rejecting comparisons and
// literals.  Used for dynamic approver declarations.
func ParsePath(input string) (Path, error) {
	parsed, err := Parse(input)
	if err != nil {
		return nil, err
	}
	path, ok := parsed.(Path)
	if !ok {
		return nil, parsly.NewCursor("", []byte(input), 0).NewError(identifierToken)
	}
	return path, nil
}

func parseOperand(cursor *parsly.Cursor) (Expr, error) {
	matched := cursor.MatchAfterOptional(whitespaceToken, stringToken, numberToken, identifierToken)
	switch matched.Code {
	case stringToken.Code:
		text := matched.Text(cursor)
		return &Literal{Value: text[1 : len(text)-1]}, nil
	case numberToken.Code:
		num, err := strconv.ParseFloat(matched.Text(cursor), 64)
		if err != nil {
			return nil, err
		}
		return &Literal{Value: num}, nil
	case identifierToken.Code:
	default:
		return nil, cursor.NewError(identifierToken)
	}

	first := matched.Text(cursor)
	switch first {
	case "true":
		return &Literal{Value: true}, nil
	case "false":
		return &Literal{Value: false}, nil
	}

	path := Path{first}
	for {
		matched = cursor.MatchOne(dotToken)
		if matched.Code != dotToken.Code {
			break
		}
		matched = cursor.MatchOne(identifierToken)
		if matched.Code != identifierToken.Code {
			return nil, cursor.NewError(identifierToken)
		}
		path = append(path, matched.Text(cursor))
	}
	return path, nil
}

func expectEnd(cursor *parsly.Cursor) error {
	cursor.MatchOne(whitespaceToken)
	if cursor.Pos < cursor.InputSize {
		return cursor.NewError(operatorToken)
	}
	return nil
}
