// Package expr evaluates guard expressions attached to journey
// transitions. The grammar is a fixed contract shared with manifest
// authors: ||-separated alternatives of &&-joined comparisons over string,
// integer and float literals and dotted paths into the event payload and
// session context.
package expr

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Session is the session slice of the guard context.
type Session struct {
	ResumeToken    string
	IdempotencyKey string
}

// Context is the lookup environment for dotted paths: payload.* resolves
// into the event payload, session.* into the session fields.
type Context struct {
	PayloadJSON []byte
	Session     Session
}

type operandKind int

const (
	opMissing operandKind = iota
	opString
	opNumber
	opBool
)

type operand struct {
	kind operandKind
	s    string
	f    float64
	b    bool
}

// comparison operators in priority order of detection; >= and <= must be
// probed before > and <.
var operators = []string{"==", "!=", ">=", "<=", ">", "<"}

// Eval evaluates a guard expression against ctx. Malformed comparisons
// (missing operand or operator) evaluate to false.
func Eval(src string, ctx Context) bool {
	for _, alternative := range strings.Split(src, "||") {
		if evalAlternative(alternative, ctx) {
			return true
		}
	}
	return false
}

func evalAlternative(alternative string, ctx Context) bool {
	for _, comparison := range strings.Split(alternative, "&&") {
		if !evalComparison(comparison, ctx) {
			return false
		}
	}
	return true
}

func evalComparison(comparison string, ctx Context) bool {
	comparison = strings.TrimSpace(comparison)

	for _, op := range operators {
		idx := strings.Index(comparison, op)
		if idx < 0 {
			continue
		}

		lhs := resolveOperand(strings.TrimSpace(comparison[:idx]), ctx)
		rhs := resolveOperand(strings.TrimSpace(comparison[idx+len(op):]), ctx)
		if lhs.kind == opMissing || rhs.kind == opMissing {
			return false
		}

		switch op {
		case "==":
			return equal(lhs, rhs)
		case "!=":
			return !equal(lhs, rhs)
		case ">=":
			return compare(lhs, rhs) >= 0
		case "<=":
			return compare(lhs, rhs) <= 0
		case ">":
			return compare(lhs, rhs) > 0
		case "<":
			return compare(lhs, rhs) < 0
		}
	}
	return false
}

func resolveOperand(token string, ctx Context) operand {
	if token == "" {
		return operand{kind: opMissing}
	}

	if len(token) >= 2 && strings.HasPrefix(token, `"`) && strings.HasSuffix(token, `"`) {
		return operand{kind: opString, s: token[1 : len(token)-1]}
	}
	if token == "true" || token == "false" {
		return operand{kind: opBool, b: token == "true"}
	}
	if f, err := strconv.ParseFloat(token, 64); err == nil {
		return operand{kind: opNumber, f: f}
	}
	return resolvePath(token, ctx)
}

func resolvePath(path string, ctx Context) operand {
	switch {
	case path == "session.resumeToken":
		return operand{kind: opString, s: ctx.Session.ResumeToken}
	case path == "session.idempotencyKey":
		return operand{kind: opString, s: ctx.Session.IdempotencyKey}
	case strings.HasPrefix(path, "payload."):
		return fromResult(gjson.GetBytes(ctx.PayloadJSON, strings.TrimPrefix(path, "payload.")))
	default:
		return operand{kind: opMissing}
	}
}

// fromResult converts a gjson result to an operand. Integers and floats
// share one numeric kind: equality and ordering promote across the two
// anyway. Objects, arrays and null are not comparable scalars.
func fromResult(r gjson.Result) operand {
	switch r.Type {
	case gjson.String:
		return operand{kind: opString, s: r.Str}
	case gjson.Number:
		return operand{kind: opNumber, f: r.Num}
	case gjson.True:
		return operand{kind: opBool, b: true}
	case gjson.False:
		return operand{kind: opBool, b: false}
	default:
		return operand{kind: opMissing}
	}
}

// equal compares same-typed scalars; numerics promote, anything else is
// not equal.
func equal(a, b operand) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case opString:
		return a.s == b.s
	case opNumber:
		return a.f == b.f
	case opBool:
		return a.b == b.b
	default:
		return false
	}
}

// compare orders numerics and strings; mixed kinds are treated as equal.
func compare(a, b operand) int {
	if a.kind != b.kind {
		return 0
	}
	switch a.kind {
	case opNumber:
		switch {
		case a.f < b.f:
			return -1
		case a.f > b.f:
			return 1
		}
		return 0
	case opString:
		return strings.Compare(a.s, b.s)
	default:
		return 0
	}
}
