package block

import "sort"

// Kind identifies a block type. The set of kinds is closed: a serialized type
// string that does not name one of these decodes to KindUnknown.
type Kind int

const (
	KindUnknown Kind = iota

	// Statements
	KindPrint
	KindWarn
	KindError
	KindSetVariable
	KindChangeVariable
	KindIf
	KindRepeat
	KindWhileUntil

	// Expressions
	KindNumber
	KindText
	KindBoolean
	KindArithmetic
	KindCompare
	KindLogicOperation
	KindNegate
	KindJoin
	KindLength
	KindGetVariable

	kindCount
)

// Shape says whether a kind is chained as a statement or plugged into a socket
// as an expression.
type Shape int

const (
	ShapeStatement Shape = iota
	ShapeExpression
)

// Spec describes the fields and sockets a kind carries.
type Spec struct {
	Type  string
	Shape Shape
	// Fields lists the literal field names the kind reads.
	Fields []string
	// Sockets lists expression inputs in emission order.
	Sockets []string
	// Bodies lists statement-chain inputs (e.g. DO).
	Bodies []string
	// SocketPrefix allows a variable number of sockets named prefix0..prefixN.
	SocketPrefix string
}

var specs = [kindCount]Spec{
	KindUnknown:        {Type: "", Shape: ShapeStatement},
	KindPrint:          {Type: "text_print", Shape: ShapeStatement, Sockets: []string{"TEXT"}},
	KindWarn:           {Type: "console_warn", Shape: ShapeStatement, Sockets: []string{"TEXT"}},
	KindError:          {Type: "console_error", Shape: ShapeStatement, Sockets: []string{"TEXT"}},
	KindSetVariable:    {Type: "variables_set", Shape: ShapeStatement, Fields: []string{"VAR"}, Sockets: []string{"VALUE"}},
	KindChangeVariable: {Type: "math_change", Shape: ShapeStatement, Fields: []string{"VAR"}, Sockets: []string{"DELTA"}},
	KindIf:             {Type: "controls_if", Shape: ShapeStatement, SocketPrefix: "IF", Bodies: []string{"ELSE"}},
	KindRepeat:         {Type: "controls_repeat_ext", Shape: ShapeStatement, Sockets: []string{"TIMES"}, Bodies: []string{"DO"}},
	KindWhileUntil:     {Type: "controls_whileUntil", Shape: ShapeStatement, Fields: []string{"MODE"}, Sockets: []string{"BOOL"}, Bodies: []string{"DO"}},
	KindNumber:         {Type: "math_number", Shape: ShapeExpression, Fields: []string{"NUM"}},
	KindText:           {Type: "text", Shape: ShapeExpression, Fields: []string{"TEXT"}},
	KindBoolean:        {Type: "logic_boolean", Shape: ShapeExpression, Fields: []string{"BOOL"}},
	KindArithmetic:     {Type: "math_arithmetic", Shape: ShapeExpression, Fields: []string{"OP"}, Sockets: []string{"A", "B"}},
	KindCompare:        {Type: "logic_compare", Shape: ShapeExpression, Fields: []string{"OP"}, Sockets: []string{"A", "B"}},
	KindLogicOperation: {Type: "logic_operation", Shape: ShapeExpression, Fields: []string{"OP"}, Sockets: []string{"A", "B"}},
	KindNegate:         {Type: "logic_negate", Shape: ShapeExpression, Sockets: []string{"BOOL"}},
	KindJoin:           {Type: "text_join", Shape: ShapeExpression, SocketPrefix: "ADD"},
	KindLength:         {Type: "text_length", Shape: ShapeExpression, Sockets: []string{"VALUE"}},
	KindGetVariable:    {Type: "variables_get", Shape: ShapeExpression, Fields: []string{"VAR"}},
}

var kindsByType = func() map[string]Kind {
	m := make(map[string]Kind, kindCount)
	for k := KindUnknown + 1; k < kindCount; k++ {
		m[specs[k].Type] = k
	}
	return m
}()

// ParseKind maps a serialized type string to its Kind.
func ParseKind(typ string) Kind {
	if k, ok := kindsByType[typ]; ok {
		return k
	}
	return KindUnknown
}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount-1)
	for k := KindUnknown + 1; k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Types returns the sorted serialized type strings of all known kinds.
func Types() []string {
	out := make([]string, 0, kindCount-1)
	for k := KindUnknown + 1; k < kindCount; k++ {
		out = append(out, specs[k].Type)
	}
	sort.Strings(out)
	return out
}

// Spec returns the field and socket layout of k.
func (k Kind) Spec() Spec {
	if k < 0 || k >= kindCount {
		return specs[KindUnknown]
	}
	return specs[k]
}

func (k Kind) String() string {
	if k <= KindUnknown || k >= kindCount {
		return "unknown"
	}
	return specs[k].Type
}

// IsStatement reports whether k is chained via Next.
func (k Kind) IsStatement() bool {
	return k.Spec().Shape == ShapeStatement
}

// AcceptsInput reports whether name is a socket or body the kind declares.
func (k Kind) AcceptsInput(name string) bool {
	s := k.Spec()
	for _, n := range s.Sockets {
		if n == name {
			return true
		}
	}
	for _, n := range s.Bodies {
		if n == name {
			return true
		}
	}
	_, ok := k.SocketIndex(name)
	return ok
}

// SocketIndex returns n for an indexed socket such as ADDn, or IFn and DOn
// on controls_if.
func (k Kind) SocketIndex(name string) (int, bool) {
	s := k.Spec()
	if s.SocketPrefix == "" {
		return 0, false
	}
	if idx, ok := socketIndex(name, s.SocketPrefix); ok {
		return idx, true
	}
	// controls_if pairs IFn with DOn.
	if k == KindIf {
		return socketIndex(name, "DO")
	}
	return 0, false
}

// IsBody reports whether name holds a statement chain rather than an expression.
func (k Kind) IsBody(name string) bool {
	for _, n := range k.Spec().Bodies {
		if n == name {
			return true
		}
	}
	if k == KindIf {
		_, ok := socketIndex(name, "DO")
		return ok
	}
	return false
}

// socketIndex parses names like ADD3 into 3. Padded indices such as ADD03
// are rejected so every index has exactly one spelling.
func socketIndex(name, prefix string) (int, bool) {
	if len(name) <= len(prefix) || name[:len(prefix)] != prefix {
		return 0, false
	}
	digits := name[len(prefix):]
	if len(digits) > 1 && digits[0] == '0' {
		return 0, false
	}
	n := 0
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
		if n > 1<<16 {
			return 0, false
		}
	}
	return n, true
}

// IndexedSockets returns the sockets of n named prefix0..prefixN, sorted by index.
func IndexedSockets(n *Node, prefix string) []string {
	type entry struct {
		name string
		idx  int
	}
	var entries []entry
	for name := range n.Inputs {
		if idx, ok := socketIndex(name, prefix); ok {
			entries = append(entries, entry{name, idx})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].idx < entries[j].idx })
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.name
	}
	return out
}
