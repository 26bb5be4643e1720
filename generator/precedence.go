package generator

import "strings"

// order is the binding strength of emitted code. Higher binds tighter.
type order int

const (
	orderNone           order = 0
	orderAssignment     order = 2
	orderLogicalOr      order = 4
	orderLogicalAnd     order = 5
	orderEquality       order = 9
	orderRelational     order = 10
	orderAddition       order = 12
	orderMultiplication order = 13
	orderUnaryNegation  order = 15
	orderLogicalNot     order = 15
	orderFunctionCall   order = 18
	orderMember         order = 19
	orderAtomic         order = 100
)

// needsParens reports whether code binding at inner must be wrapped before
// it is used as an operand of an operator binding at outer. Right operands of
// left-associative operators are wrapped on ties so a - (b - c) survives.
func needsParens(inner, outer order, right bool) bool {
	if outer == orderNone {
		return false
	}
	if right {
		return inner <= outer
	}
	return inner < outer
}

func arithmeticOps(op string) (string, order, bool) {
	switch strings.ToUpper(op) {
	case "ADD":
		return "+", orderAddition, true
	case "MINUS":
		return "-", orderAddition, true
	case "MULTIPLY":
		return "*", orderMultiplication, true
	case "DIVIDE":
		return "/", orderMultiplication, true
	}
	return "", 0, false
}

func compareOps(op string) (string, order, bool) {
	switch strings.ToUpper(op) {
	case "EQ":
		return "==", orderEquality, true
	case "NEQ":
		return "!=", orderEquality, true
	case "LT":
		return "<", orderRelational, true
	case "LTE":
		return "<=", orderRelational, true
	case "GT":
		return ">", orderRelational, true
	case "GTE":
		return ">=", orderRelational, true
	}
	return "", 0, false
}
