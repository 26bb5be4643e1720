package block

import (
	"fmt"
	"sort"
)

// Node is one block in a workspace. A node exclusively owns every node it
// references through Inputs and Next.
type Node struct {
	ID     string
	Kind   Kind
	Type   string
	Fields map[string]string
	Inputs map[string]*Node
	Next   *Node

	// Editor position. Only used to order roots.
	X, Y float64
}

// New returns a node of the given kind with empty field and input maps.
func New(id string, kind Kind) *Node {
	return &Node{
		ID:     id,
		Kind:   kind,
		Type:   kind.String(),
		Fields: make(map[string]string),
		Inputs: make(map[string]*Node),
	}
}

// Field returns the literal stored under name.
func (n *Node) Field(name string) (string, bool) {
	v, ok := n.Fields[name]
	return v, ok
}

// Input returns the node plugged into socket name, or nil.
func (n *Node) Input(name string) *Node {
	return n.Inputs[name]
}

// TypeName returns the serialized type, falling back to the kind name.
func (n *Node) TypeName() string {
	if n.Type != "" {
		return n.Type
	}
	return n.Kind.String()
}

// inputNames returns socket names in a stable order.
func (n *Node) inputNames() []string {
	names := make([]string, 0, len(n.Inputs))
	for name := range n.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Workspace is the forest of top-level roots, kept in author-visible order.
type Workspace struct {
	roots []*Node
}

// NewWorkspace builds a workspace from roots after checking that the forest
// has no cycles and no shared nodes.
func NewWorkspace(roots ...*Node) (*Workspace, error) {
	ws := &Workspace{roots: append([]*Node(nil), roots...)}
	if err := ws.check(); err != nil {
		return nil, err
	}
	ws.sortRoots()
	return ws, nil
}

// Roots returns the top-level nodes in author-visible order.
func (w *Workspace) Roots() []*Node {
	if w == nil {
		return nil
	}
	return append([]*Node(nil), w.roots...)
}

// Empty reports whether the workspace has no blocks.
func (w *Workspace) Empty() bool {
	return w == nil || len(w.roots) == 0
}

// Len returns the number of nodes reachable from the roots.
func (w *Workspace) Len() int {
	n := 0
	w.Walk(func(*Node) bool { n++; return true })
	return n
}

// Walk visits every node depth-first: a node, its inputs in name order, then
// its successor. Returning false from fn stops the walk.
func (w *Workspace) Walk(fn func(*Node) bool) {
	if w == nil {
		return
	}
	for _, r := range w.roots {
		if !walk(r, fn) {
			return
		}
	}
}

func walk(n *Node, fn func(*Node) bool) bool {
	for ; n != nil; n = n.Next {
		if !fn(n) {
			return false
		}
		for _, name := range n.inputNames() {
			if !walk(n.Inputs[name], fn) {
				return false
			}
		}
	}
	return true
}

// sortRoots orders roots top-to-bottom, then left-to-right. Ties keep the
// order in which the roots were supplied.
func (w *Workspace) sortRoots() {
	sort.SliceStable(w.roots, func(i, j int) bool {
		a, b := w.roots[i], w.roots[j]
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
}

// check runs a visited-set walk over the pointer forest. Any node reached
// twice is either shared between parents or part of a cycle.
func (w *Workspace) check() error {
	seen := make(map[*Node]string)
	ids := make(map[string]bool)

	var visit func(n *Node, path map[*Node]bool) error
	visit = func(n *Node, path map[*Node]bool) error {
		var added []*Node
		defer func() {
			for _, a := range added {
				delete(path, a)
			}
		}()
		for ; n != nil; n = n.Next {
			if path[n] {
				return fmt.Errorf("%w: node %q", ErrCycle, n.ID)
			}
			if _, ok := seen[n]; ok {
				return fmt.Errorf("%w: node %q", ErrSharedNode, n.ID)
			}
			if n.ID == "" {
				return fmt.Errorf("%w: node without id", ErrInvalidDocument)
			}
			if ids[n.ID] {
				return fmt.Errorf("%w: %q", ErrDuplicateID, n.ID)
			}
			seen[n] = n.ID
			ids[n.ID] = true
			path[n] = true
			added = append(added, n)
			for _, name := range n.inputNames() {
				if n.Inputs[name] == nil {
					delete(n.Inputs, name)
					continue
				}
				if err := visit(n.Inputs[name], path); err != nil {
					return err
				}
			}
		}
		return nil
	}

	for _, r := range w.roots {
		if r == nil {
			return fmt.Errorf("%w: nil root", ErrInvalidDocument)
		}
		if err := visit(r, make(map[*Node]bool)); err != nil {
			return err
		}
	}
	return nil
}

// Set stores a field literal and returns n.
func (n *Node) Set(field, value string) *Node {
	n.Fields[field] = value
	return n
}

// Plug attaches child to socket and returns n.
func (n *Node) Plug(socket string, child *Node) *Node {
	n.Inputs[socket] = child
	return n
}

// Chain sets the statement that follows n and returns n.
func (n *Node) Chain(next *Node) *Node {
	n.Next = next
	return n
}

// At sets the editor position and returns n.
func (n *Node) At(x, y float64) *Node {
	n.X, n.Y = x, y
	return n
}
