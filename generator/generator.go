package generator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/caffeineduck/blockrun/block"
	"github.com/caffeineduck/blockrun/internal/metrics"
)

// ErrNothingToRun is returned for an empty workspace. Nothing should be sent
// to the sandbox in that case.
var ErrNothingToRun = errors.New("nothing to run")

// CompileError reports a block that cannot be translated.
type CompileError struct {
	NodeID string
	Type   string
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile block %q (%s): %s", e.NodeID, e.Type, e.Reason)
}

func compileErr(n *block.Node, format string, args ...any) *CompileError {
	return &CompileError{NodeID: n.ID, Type: n.TypeName(), Reason: fmt.Sprintf(format, args...)}
}

// Script is the output of a successful compile.
type Script struct {
	Source    string
	Roots     int
	Nodes     int
	Variables []string
}

// DefaultLoopLimit caps the total number of loop iterations a generated
// program may perform before it throws.
const DefaultLoopLimit = 1_000_000

// Option configures Compile.
type Option func(*config)

type config struct {
	loopLimit int
	indent    string
}

// WithLoopLimit sets the iteration cap injected into loop bodies. Zero disables it.
func WithLoopLimit(n int) Option {
	return func(c *config) {
		c.loopLimit = n
	}
}

// WithIndent sets the indentation unit for nested blocks.
func WithIndent(s string) Option {
	return func(c *config) {
		c.indent = s
	}
}

// Compile translates the workspace into JavaScript. Roots are emitted in the
// workspace's author-visible order.
func Compile(ws *block.Workspace, opts ...Option) (*Script, error) {
	script, err := compile(ws, opts)
	switch {
	case errors.Is(err, ErrNothingToRun):
		metrics.CompilesTotal.WithLabelValues("empty").Inc()
	case err != nil:
		metrics.CompilesTotal.WithLabelValues("error").Inc()
	default:
		metrics.CompilesTotal.WithLabelValues("ok").Inc()
		metrics.CompiledNodes.Observe(float64(script.Nodes))
	}
	return script, err
}

func compile(ws *block.Workspace, opts []Option) (*Script, error) {
	if ws.Empty() {
		return nil, ErrNothingToRun
	}

	cfg := config{loopLimit: DefaultLoopLimit, indent: "  "}
	for _, opt := range opts {
		opt(&cfg)
	}

	g := &gen{
		cfg:   cfg,
		names: newNameDB(),
	}
	g.loopCounter = g.names.distinct(internalPrefix + "loops")

	var body strings.Builder
	roots := ws.Roots()
	for _, r := range roots {
		if err := g.chain(&body, r, 0); err != nil {
			return nil, err
		}
	}

	var out strings.Builder
	if vars := g.names.declared(); len(vars) > 0 {
		out.WriteString("var " + strings.Join(vars, ", ") + ";\n")
	}
	if g.usesLoops && cfg.loopLimit > 0 {
		out.WriteString("var " + g.loopCounter + " = 0;\n")
	}
	if out.Len() > 0 {
		out.WriteString("\n")
	}
	out.WriteString(body.String())

	return &Script{
		Source:    out.String(),
		Roots:     len(roots),
		Nodes:     g.nodes,
		Variables: append([]string(nil), g.names.declared()...),
	}, nil
}

type gen struct {
	cfg         config
	names       *nameDB
	nodes       int
	usesLoops   bool
	loopCounter string
}

func (g *gen) line(b *strings.Builder, depth int, code string) {
	b.WriteString(strings.Repeat(g.cfg.indent, depth))
	b.WriteString(code)
	b.WriteString("\n")
}

// chain emits n and every statement that follows it.
func (g *gen) chain(b *strings.Builder, n *block.Node, depth int) error {
	for ; n != nil; n = n.Next {
		if err := g.statement(b, n, depth); err != nil {
			return err
		}
	}
	return nil
}

func (g *gen) statement(b *strings.Builder, n *block.Node, depth int) error {
	g.nodes++

	switch n.Kind {
	case block.KindPrint, block.KindWarn, block.KindError:
		method := map[block.Kind]string{
			block.KindPrint: "log",
			block.KindWarn:  "warn",
			block.KindError: "error",
		}[n.Kind]
		arg, err := g.socket(n, "TEXT", orderNone, "''")
		if err != nil {
			return err
		}
		g.line(b, depth, "console."+method+"("+arg+");")
		return nil

	case block.KindSetVariable:
		name, err := g.variable(n)
		if err != nil {
			return err
		}
		value, err := g.socket(n, "VALUE", orderAssignment, "0")
		if err != nil {
			return err
		}
		g.line(b, depth, name+" = "+value+";")
		return nil

	case block.KindChangeVariable:
		name, err := g.variable(n)
		if err != nil {
			return err
		}
		delta, err := g.socketRight(n, "DELTA", orderAddition, "0")
		if err != nil {
			return err
		}
		g.line(b, depth, fmt.Sprintf("%s = (typeof %s === 'number' ? %s : 0) + %s;", name, name, name, delta))
		return nil

	case block.KindIf:
		return g.ifStatement(b, n, depth)

	case block.KindRepeat:
		return g.repeat(b, n, depth)

	case block.KindWhileUntil:
		mode, _ := n.Field("MODE")
		var cond string
		var err error
		switch strings.ToUpper(mode) {
		case "", "WHILE":
			cond, err = g.socket(n, "BOOL", orderNone, "false")
		case "UNTIL":
			cond, err = g.socketRight(n, "BOOL", orderLogicalNot, "false")
			cond = "!" + cond
		default:
			return compileErr(n, "invalid MODE %q", mode)
		}
		if err != nil {
			return err
		}
		g.line(b, depth, "while ("+cond+") {")
		if err := g.loopBody(b, n, "DO", depth+1); err != nil {
			return err
		}
		g.line(b, depth, "}")
		return nil

	case block.KindNumber, block.KindText, block.KindBoolean, block.KindArithmetic,
		block.KindCompare, block.KindLogicOperation, block.KindNegate, block.KindJoin,
		block.KindLength, block.KindGetVariable:
		// A loose expression block still runs for its side effects, like an
		// expression statement. The void keeps a leading string literal from
		// being read as a directive such as "use strict".
		g.nodes--
		code, ord, err := g.expression(n)
		if err != nil {
			return err
		}
		if n.Next != nil {
			return compileErr(n, "expression block cannot be followed by a statement")
		}
		if needsParens(ord, orderUnaryNegation, false) {
			code = "(" + code + ")"
		}
		g.line(b, depth, "void "+code+";")
		return nil

	case block.KindUnknown:
		return compileErr(n, "no generator for block type")

	default:
		return compileErr(n, "no generator for block type")
	}
}

func (g *gen) ifStatement(b *strings.Builder, n *block.Node, depth int) error {
	// Branches follow the indices actually present. A gap in the numbering
	// is skipped rather than padded with empty branches.
	type branch struct{ cond, body string }
	byIndex := map[int]*branch{}
	var indices []int
	at := func(name string) *branch {
		idx, _ := n.Kind.SocketIndex(name)
		br, ok := byIndex[idx]
		if !ok {
			br = &branch{}
			byIndex[idx] = br
			indices = append(indices, idx)
		}
		return br
	}
	for _, name := range block.IndexedSockets(n, "IF") {
		at(name).cond = name
	}
	for _, name := range block.IndexedSockets(n, "DO") {
		at(name).body = name
	}
	sort.Ints(indices)
	if len(indices) == 0 {
		indices = []int{0}
		byIndex[0] = &branch{}
	}

	for i, idx := range indices {
		br := byIndex[idx]
		cond := "false"
		if br.cond != "" {
			var err error
			if cond, err = g.socket(n, br.cond, orderNone, "false"); err != nil {
				return err
			}
		}
		if i == 0 {
			g.line(b, depth, "if ("+cond+") {")
		} else {
			g.line(b, depth, "} else if ("+cond+") {")
		}
		if br.body != "" {
			if err := g.body(b, n, br.body, depth+1); err != nil {
				return err
			}
		}
	}
	if n.Input("ELSE") != nil {
		g.line(b, depth, "} else {")
		if err := g.body(b, n, "ELSE", depth+1); err != nil {
			return err
		}
	}
	g.line(b, depth, "}")
	return nil
}

func (g *gen) repeat(b *strings.Builder, n *block.Node, depth int) error {
	counter := g.names.distinct("count")
	limit := "0"

	if t := n.Input("TIMES"); t != nil && t.Kind == block.KindNumber && t.Next == nil {
		num, err := g.number(t)
		if err != nil {
			return err
		}
		g.nodes++
		limit = num
	} else {
		times, err := g.socket(n, "TIMES", orderAssignment, "0")
		if err != nil {
			return err
		}
		limit = g.names.distinct(counter + "_end")
		g.line(b, depth, "var "+limit+" = "+times+";")
	}

	g.line(b, depth, fmt.Sprintf("for (var %s = 0; %s < %s; %s++) {", counter, counter, limit, counter))
	if err := g.loopBody(b, n, "DO", depth+1); err != nil {
		return err
	}
	g.line(b, depth, "}")
	return nil
}

func (g *gen) loopBody(b *strings.Builder, n *block.Node, name string, depth int) error {
	g.usesLoops = true
	if g.cfg.loopLimit > 0 {
		g.line(b, depth, fmt.Sprintf("if (++%s > %d) throw new Error('Infinite loop.');", g.loopCounter, g.cfg.loopLimit))
	}
	return g.body(b, n, name, depth)
}

func (g *gen) body(b *strings.Builder, n *block.Node, name string, depth int) error {
	child := n.Input(name)
	if child == nil {
		return nil
	}
	return g.chain(b, child, depth)
}

func (g *gen) variable(n *block.Node) (string, error) {
	name, _ := n.Field("VAR")
	if strings.TrimSpace(name) == "" {
		return "", compileErr(n, "empty VAR field")
	}
	return g.names.variable(name), nil
}

// socket compiles the expression in a socket for a context that binds at
// outer. Children that bind looser are parenthesized. An empty socket yields
// fallback.
func (g *gen) socket(n *block.Node, name string, outer order, fallback string) (string, error) {
	return g.operand(n, name, outer, fallback, false)
}

// socketRight is socket for the right-hand operand of a left-associative
// operator, where a child of equal strength must be parenthesized.
func (g *gen) socketRight(n *block.Node, name string, outer order, fallback string) (string, error) {
	return g.operand(n, name, outer, fallback, true)
}

func (g *gen) operand(n *block.Node, name string, outer order, fallback string, right bool) (string, error) {
	child := n.Input(name)
	if child == nil {
		return fallback, nil
	}
	if child.Kind.IsStatement() {
		if child.Kind == block.KindUnknown {
			return "", compileErr(child, "no generator for block type")
		}
		return "", compileErr(child, "statement block plugged into socket %s of %q", name, n.ID)
	}
	if child.Next != nil {
		return "", compileErr(child, "expression block cannot be followed by a statement")
	}
	code, inner, err := g.expression(child)
	if err != nil {
		return "", err
	}
	if needsParens(inner, outer, right) {
		code = "(" + code + ")"
	}
	return code, nil
}

// expression compiles an expression block and reports how tightly the
// resulting code binds.
func (g *gen) expression(n *block.Node) (string, order, error) {
	g.nodes++

	switch n.Kind {
	case block.KindNumber:
		code, err := g.number(n)
		if err != nil {
			return "", 0, err
		}
		if strings.HasPrefix(code, "-") {
			return code, orderUnaryNegation, nil
		}
		return code, orderAtomic, nil

	case block.KindText:
		text, _ := n.Field("TEXT")
		return quote(text), orderAtomic, nil

	case block.KindBoolean:
		v, _ := n.Field("BOOL")
		switch strings.ToUpper(v) {
		case "TRUE":
			return "true", orderAtomic, nil
		case "FALSE":
			return "false", orderAtomic, nil
		default:
			return "", 0, compileErr(n, "invalid BOOL literal %q", v)
		}

	case block.KindArithmetic:
		op, _ := n.Field("OP")
		if strings.ToUpper(op) == "POWER" {
			a, err := g.socket(n, "A", orderNone, "0")
			if err != nil {
				return "", 0, err
			}
			c, err := g.socket(n, "B", orderNone, "0")
			if err != nil {
				return "", 0, err
			}
			return "Math.pow(" + a + ", " + c + ")", orderFunctionCall, nil
		}
		sym, ord, ok := arithmeticOps(op)
		if !ok {
			return "", 0, compileErr(n, "invalid arithmetic OP %q", op)
		}
		return g.binary(n, sym, ord, "0")

	case block.KindCompare:
		sym, ord, ok := compareOps(opField(n))
		if !ok {
			return "", 0, compileErr(n, "invalid comparison OP %q", opField(n))
		}
		return g.binary(n, sym, ord, "0")

	case block.KindLogicOperation:
		var sym string
		var ord order
		switch strings.ToUpper(opField(n)) {
		case "AND":
			sym, ord = "&&", orderLogicalAnd
		case "OR":
			sym, ord = "||", orderLogicalOr
		default:
			return "", 0, compileErr(n, "invalid logic OP %q", opField(n))
		}
		return g.binary(n, sym, ord, "false")

	case block.KindNegate:
		arg, err := g.socketRight(n, "BOOL", orderLogicalNot, "true")
		if err != nil {
			return "", 0, err
		}
		return "!" + arg, orderLogicalNot, nil

	case block.KindJoin:
		items := block.IndexedSockets(n, "ADD")
		switch len(items) {
		case 0:
			return "''", orderAtomic, nil
		case 1:
			arg, err := g.socket(n, items[0], orderNone, "''")
			if err != nil {
				return "", 0, err
			}
			return "String(" + arg + ")", orderFunctionCall, nil
		}
		parts := make([]string, 0, len(items))
		for _, name := range items {
			p, err := g.socket(n, name, orderNone, "''")
			if err != nil {
				return "", 0, err
			}
			parts = append(parts, p)
		}
		return "[" + strings.Join(parts, ", ") + "].join('')", orderFunctionCall, nil

	case block.KindLength:
		arg, err := g.socket(n, "VALUE", orderNone, "''")
		if err != nil {
			return "", 0, err
		}
		return "String(" + arg + ").length", orderMember, nil

	case block.KindGetVariable:
		name, err := g.variable(n)
		if err != nil {
			return "", 0, err
		}
		return name, orderAtomic, nil

	case block.KindPrint, block.KindWarn, block.KindError, block.KindSetVariable,
		block.KindChangeVariable, block.KindIf, block.KindRepeat, block.KindWhileUntil:
		return "", 0, compileErr(n, "statement block used as an expression")

	case block.KindUnknown:
		return "", 0, compileErr(n, "no generator for block type")

	default:
		return "", 0, compileErr(n, "no generator for block type")
	}
}

func (g *gen) binary(n *block.Node, sym string, ord order, fallback string) (string, order, error) {
	a, err := g.socket(n, "A", ord, fallback)
	if err != nil {
		return "", 0, err
	}
	c, err := g.socketRight(n, "B", ord, fallback)
	if err != nil {
		return "", 0, err
	}
	return a + " " + sym + " " + c, ord, nil
}

// number validates a NUM literal and returns its canonical JavaScript form.
func (g *gen) number(n *block.Node) (string, error) {
	raw, _ := n.Field("NUM")
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", compileErr(n, "empty NUM field")
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return "", compileErr(n, "invalid number literal %q", raw)
	}
	return strconv.FormatFloat(f, 'g', -1, 64), nil
}

func opField(n *block.Node) string {
	v, _ := n.Field("OP")
	return v
}

// quote renders s as a JavaScript string literal. JSON string syntax is a
// subset of JavaScript's, and encoding/json escapes U+2028 and U+2029.
func quote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
