// Package expr implements the sandboxed guard-expression evaluator used by
// Condition nodes. It is a small hand-rolled recursive-descent
// lexer/parser/evaluator — not a general-purpose scripting engine — so no
// identifier can ever resolve outside the variable map passed to EvalBool.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokBool
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

// lex tokenizes src, recognizing the literal/operator/identifier set spec
// §4.7 allows: numeric/string/boolean literals, + - * / % && || ! == != < <=
// > >=, parentheses, dot-separated identifiers, and commas for call args.
func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	n := len(src)
	for i < n {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen})
			i++
		case c == ',':
			toks = append(toks, token{kind: tokComma})
			i++
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			var sb strings.Builder
			for j < n && src[j] != quote {
				sb.WriteByte(src[j])
				j++
			}
			if j >= n {
				return nil, fmt.Errorf("expr: unterminated string literal at %d", i)
			}
			toks = append(toks, token{kind: tokString, text: sb.String()})
			i = j + 1
		case c >= '0' && c <= '9':
			j := i
			for j < n && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			val, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("expr: invalid number %q: %w", src[i:j], err)
			}
			toks = append(toks, token{kind: tokNumber, num: val})
			i = j
		case isIdentStart(c):
			j := i
			for j < n && isIdentPart(src[j]) {
				j++
			}
			word := src[i:j]
			switch word {
			case "true":
				toks = append(toks, token{kind: tokBool, text: "true"})
			case "false":
				toks = append(toks, token{kind: tokBool, text: "false"})
			default:
				toks = append(toks, token{kind: tokIdent, text: word})
			}
			i = j
		default:
			op, width, err := lexOperator(src[i:])
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokOp, text: op})
			i += width
		}
	}
	toks = append(toks, token{kind: tokEOF})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9') || c == '.'
}

var twoCharOps = []string{"&&", "||", "==", "!=", "<=", ">="}

func lexOperator(src string) (string, int, error) {
	for _, op := range twoCharOps {
		if strings.HasPrefix(src, op) {
			return op, 2, nil
		}
	}
	switch src[0] {
	case '+', '-', '*', '/', '%', '!', '<', '>':
		return string(src[0]), 1, nil
	}
	return "", 0, fmt.Errorf("expr: unexpected character %q", src[0])
}
