package security

import (
	"fmt"
	"strconv"
	"strings"
)

// Condition evaluation for workflow edge expressions.
//
// The grammar is deliberately restricted: property paths rooted at `data.`
// or `metadata.`, literals (bool/null/number/quoted string), the comparison
// operators == != < <= > >=, and the boolean operators && || !. Parentheses,
// indexing, and function calls are rejected. Expressions are parsed into
// values by a small recursive descent parser; there is no string
// substitution and no dynamic evaluation, so there is no injection surface
// to defend.
//
// Examples:
//
//	data.score > 0.8
//	data.email_found == true && metadata.version >= 2
//	!data.skip_enrichment

// Env carries the values property paths resolve against.
type Env struct {
	Data     map[string]any
	Metadata map[string]any
}

// Substrings that reject an expression outright, before parsing. None of
// them is meaningful in the grammar; their presence signals a definition
// written against some other (unsafe) evaluator.
var bannedSubstrings = []string{"eval", "Function", "__proto__", "constructor", "prototype"}

// EvaluateCondition parses and evaluates a restricted boolean expression.
// Any syntax outside the grammar is an error; callers treat an error as
// "edge not traversable" and must never let it crash the run.
func EvaluateCondition(expr string, env Env) (bool, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return false, fmt.Errorf("empty condition expression")
	}

	for _, banned := range bannedSubstrings {
		if strings.Contains(trimmed, banned) {
			return false, fmt.Errorf("expression contains forbidden token %q", banned)
		}
	}

	tokens, err := tokenizeCondition(trimmed)
	if err != nil {
		return false, fmt.Errorf("failed to tokenize expression: %w", err)
	}

	p := &condParser{tokens: tokens, env: env}
	result, err := p.parseOr()
	if err != nil {
		return false, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	if p.current().typ != tokEOF {
		return false, fmt.Errorf("unexpected trailing token %q", p.current().value)
	}

	boolResult, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not evaluate to boolean, got %T", result)
	}
	return boolResult, nil
}

type condTokenType int

const (
	tokEOF condTokenType = iota
	tokPath
	tokNumber
	tokString
	tokBool
	tokNull
	tokEQ
	tokNE
	tokLT
	tokLE
	tokGT
	tokGE
	tokAnd
	tokOr
	tokNot
)

type condToken struct {
	typ   condTokenType
	value string
}

func tokenizeCondition(expr string) ([]condToken, error) {
	var tokens []condToken
	i := 0

	for i < len(expr) {
		c := expr[i]

		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			i++
			continue
		}

		if i+1 < len(expr) {
			switch expr[i : i+2] {
			case "==":
				tokens = append(tokens, condToken{tokEQ, "=="})
				i += 2
				continue
			case "!=":
				tokens = append(tokens, condToken{tokNE, "!="})
				i += 2
				continue
			case "<=":
				tokens = append(tokens, condToken{tokLE, "<="})
				i += 2
				continue
			case ">=":
				tokens = append(tokens, condToken{tokGE, ">="})
				i += 2
				continue
			case "&&":
				tokens = append(tokens, condToken{tokAnd, "&&"})
				i += 2
				continue
			case "||":
				tokens = append(tokens, condToken{tokOr, "||"})
				i += 2
				continue
			}
		}

		switch c {
		case '<':
			tokens = append(tokens, condToken{tokLT, "<"})
			i++
			continue
		case '>':
			tokens = append(tokens, condToken{tokGT, ">"})
			i++
			continue
		case '!':
			tokens = append(tokens, condToken{tokNot, "!"})
			i++
			continue
		}

		// Quoted string literal.
		if c == '"' || c == '\'' {
			quote := c
			i++
			start := i
			for i < len(expr) && expr[i] != quote {
				i++
			}
			if i >= len(expr) {
				return nil, fmt.Errorf("unterminated string literal")
			}
			tokens = append(tokens, condToken{tokString, expr[start:i]})
			i++
			continue
		}

		// Number literal, optionally negative.
		if (c >= '0' && c <= '9') || (c == '-' && i+1 < len(expr) && expr[i+1] >= '0' && expr[i+1] <= '9') {
			start := i
			i++
			for i < len(expr) && ((expr[i] >= '0' && expr[i] <= '9') || expr[i] == '.') {
				i++
			}
			tokens = append(tokens, condToken{tokNumber, expr[start:i]})
			continue
		}

		// Identifier: keyword literal or a property path.
		if isIdentByte(c) {
			start := i
			for i < len(expr) && (isIdentByte(expr[i]) || (expr[i] >= '0' && expr[i] <= '9') || expr[i] == '.') {
				i++
			}
			word := expr[start:i]
			switch word {
			case "true", "false":
				tokens = append(tokens, condToken{tokBool, word})
			case "null":
				tokens = append(tokens, condToken{tokNull, word})
			default:
				if !strings.HasPrefix(word, "data.") && !strings.HasPrefix(word, "metadata.") {
					return nil, fmt.Errorf("identifier %q is not a data.* or metadata.* path", word)
				}
				tokens = append(tokens, condToken{tokPath, word})
			}
			continue
		}

		return nil, fmt.Errorf("unexpected character at position %d: %c", i, c)
	}

	tokens = append(tokens, condToken{typ: tokEOF})
	return tokens, nil
}

func isIdentByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

type condParser struct {
	tokens []condToken
	pos    int
	env    Env
}

func (p *condParser) current() condToken {
	if p.pos >= len(p.tokens) {
		return condToken{typ: tokEOF}
	}
	return p.tokens[p.pos]
}

func (p *condParser) advance() {
	if p.pos < len(p.tokens) {
		p.pos++
	}
}

func (p *condParser) parseOr() (any, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.current().typ == tokOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		leftBool, ok1 := left.(bool)
		rightBool, ok2 := right.(bool)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("|| operator requires boolean operands")
		}
		left = leftBool || rightBool
	}
	return left, nil
}

func (p *condParser) parseAnd() (any, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for p.current().typ == tokAnd {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		leftBool, ok1 := left.(bool)
		rightBool, ok2 := right.(bool)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("&& operator requires boolean operands")
		}
		left = leftBool && rightBool
	}
	return left, nil
}

func (p *condParser) parseNot() (any, error) {
	if p.current().typ == tokNot {
		p.advance()
		expr, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		boolExpr, ok := expr.(bool)
		if !ok {
			return nil, fmt.Errorf("! operator requires boolean operand")
		}
		return !boolExpr, nil
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (any, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	tok := p.current()
	switch tok.typ {
	case tokEQ, tokNE, tokLT, tokLE, tokGT, tokGE:
		p.advance()
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return compare(left, right, tok.typ)
	}
	return left, nil
}

func (p *condParser) parseOperand() (any, error) {
	tok := p.current()
	switch tok.typ {
	case tokBool:
		p.advance()
		return tok.value == "true", nil
	case tokNull:
		p.advance()
		return nil, nil
	case tokNumber:
		p.advance()
		return strconv.ParseFloat(tok.value, 64)
	case tokString:
		p.advance()
		return tok.value, nil
	case tokPath:
		p.advance()
		return resolvePath(tok.value, p.env), nil
	default:
		return nil, fmt.Errorf("unexpected token %q", tok.value)
	}
}

// resolvePath walks a dotted path through the environment maps. Missing
// segments resolve to nil rather than erroring: comparing against a value
// that was never written is an ordinary false, not a failure.
func resolvePath(path string, env Env) any {
	segments := strings.Split(path, ".")

	var current any
	switch segments[0] {
	case "data":
		current = anyMap(env.Data)
	case "metadata":
		current = anyMap(env.Metadata)
	default:
		return nil
	}

	for _, segment := range segments[1:] {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = obj[segment]
		if current == nil {
			return nil
		}
	}
	return current
}

func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func compare(left, right any, op condTokenType) (bool, error) {
	switch op {
	case tokEQ:
		return valuesEqual(left, right), nil
	case tokNE:
		return !valuesEqual(left, right), nil
	default:
		return compareOrdered(left, right, op)
	}
}

func valuesEqual(left, right any) bool {
	if left == nil && right == nil {
		return true
	}
	if left == nil || right == nil {
		return false
	}

	if ln, ok := toNumber(left); ok {
		if rn, ok := toNumber(right); ok {
			return ln == rn
		}
		return false
	}

	switch l := left.(type) {
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	case string:
		r, ok := right.(string)
		return ok && l == r
	default:
		return false
	}
}

func compareOrdered(left, right any, op condTokenType) (bool, error) {
	leftNum, leftOk := toNumber(left)
	rightNum, rightOk := toNumber(right)

	if !leftOk || !rightOk {
		leftStr, ok1 := left.(string)
		rightStr, ok2 := right.(string)
		if !ok1 || !ok2 {
			return false, fmt.Errorf("cannot compare %T and %T", left, right)
		}
		switch op {
		case tokLT:
			return leftStr < rightStr, nil
		case tokLE:
			return leftStr <= rightStr, nil
		case tokGT:
			return leftStr > rightStr, nil
		case tokGE:
			return leftStr >= rightStr, nil
		}
	}

	switch op {
	case tokLT:
		return leftNum < rightNum, nil
	case tokLE:
		return leftNum <= rightNum, nil
	case tokGT:
		return leftNum > rightNum, nil
	case tokGE:
		return leftNum >= rightNum, nil
	default:
		return false, fmt.Errorf("unknown comparison operator")
	}
}

func toNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	}
	return 0, false
}
