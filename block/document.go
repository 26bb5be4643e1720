package block

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrInvalidDocument = errors.New("invalid workspace document")
	ErrDuplicateID     = errors.New("duplicate block id")
	ErrDanglingRef     = errors.New("reference to missing block")
	ErrSharedNode      = errors.New("block owned by more than one parent")
	ErrCycle           = errors.New("cycle in block graph")
	ErrUnknownSocket   = errors.New("socket not declared by block type")
)

// Document is the flat serialized form of a workspace. Blocks reference each
// other by id; the tree is rebuilt by Load.
type Document struct {
	Blocks []DocumentBlock `json:"blocks"`
}

// DocumentBlock is one serialized block.
type DocumentBlock struct {
	ID     string            `json:"id"`
	Type   string            `json:"type"`
	X      float64           `json:"x,omitempty"`
	Y      float64           `json:"y,omitempty"`
	Fields map[string]Scalar `json:"fields,omitempty"`
	Inputs map[string]string `json:"inputs,omitempty"`
	Next   string            `json:"next,omitempty"`
}

// Scalar is a field literal. Editors write numbers and booleans unquoted, so
// any JSON scalar is accepted and kept as its textual form.
type Scalar string

func (s *Scalar) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = Scalar(str)
		return nil
	}
	*s = Scalar(data)
	return nil
}

const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "workspace.json",
  "title": "Block workspace",
  "type": "object",
  "required": ["blocks"],
  "properties": {
    "blocks": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "x": {"type": "number"},
          "y": {"type": "number"},
          "fields": {
            "type": "object",
            "additionalProperties": {"type": ["string", "number", "boolean"]}
          },
          "inputs": {
            "type": "object",
            "additionalProperties": {"type": "string", "minLength": 1}
          },
          "next": {"type": "string"}
        }
      }
    }
  }
}`

var documentSchema = func() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("workspace.json", strings.NewReader(documentSchemaJSON)); err != nil {
		panic(fmt.Sprintf("add workspace schema: %v", err))
	}
	return compiler.MustCompile("workspace.json")
}()

// Load parses and validates a serialized workspace. It rejects documents in
// which a block is owned by two parents or the references form a cycle.
func Load(data []byte) (*Workspace, error) {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := documentSchema.Validate(raw); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDocument, schemaMessage(err))
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return doc.Build()
}

func schemaMessage(err error) string {
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		leaf := verr
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		loc := leaf.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		return loc + ": " + leaf.Message
	}
	return err.Error()
}

// Build turns the flat document into a validated forest.
func (d *Document) Build() (*Workspace, error) {
	nodes := make(map[string]*Node, len(d.Blocks))
	order := make(map[string]int, len(d.Blocks))
	for i, b := range d.Blocks {
		if _, dup := nodes[b.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateID, b.ID)
		}
		n := New(b.ID, ParseKind(b.Type))
		n.Type = b.Type
		n.X, n.Y = b.X, b.Y
		for k, v := range b.Fields {
			n.Fields[k] = string(v)
		}
		nodes[b.ID] = n
		order[b.ID] = i
	}

	owner := make(map[string]string, len(d.Blocks))
	claim := func(parent, child string) error {
		if child == parent {
			return fmt.Errorf("%w: block %q references itself", ErrCycle, parent)
		}
		if _, ok := nodes[child]; !ok {
			return fmt.Errorf("%w: %q (from %q)", ErrDanglingRef, child, parent)
		}
		if prev, taken := owner[child]; taken {
			return fmt.Errorf("%w: %q is referenced by %q and %q", ErrSharedNode, child, prev, parent)
		}
		owner[child] = parent
		return nil
	}

	for _, b := range d.Blocks {
		n := nodes[b.ID]
		names := make([]string, 0, len(b.Inputs))
		for name := range b.Inputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ref := b.Inputs[name]
			if n.Kind != KindUnknown && !n.Kind.AcceptsInput(name) {
				return nil, fmt.Errorf("%w: %s has no socket %q (block %q)", ErrUnknownSocket, n.Kind, name, b.ID)
			}
			// A socket index can never exceed the number of blocks that could fill it.
			if idx, ok := n.Kind.SocketIndex(name); ok && idx >= len(d.Blocks) {
				return nil, fmt.Errorf("%w: %s socket %q index out of range (block %q)", ErrUnknownSocket, n.Kind, name, b.ID)
			}
			if err := claim(b.ID, ref); err != nil {
				return nil, err
			}
			n.Inputs[name] = nodes[ref]
		}
		if b.Next != "" {
			if err := claim(b.ID, b.Next); err != nil {
				return nil, err
			}
			n.Next = nodes[b.Next]
		}
	}

	var roots []*Node
	for _, b := range d.Blocks {
		if _, owned := owner[b.ID]; !owned {
			roots = append(roots, nodes[b.ID])
		}
	}

	ws := &Workspace{roots: roots}
	reached := 0
	ws.Walk(func(*Node) bool { reached++; return true })
	if reached != len(nodes) {
		// Every block has at most one owner at this point, so blocks that
		// cannot be reached from a root sit on (or below) a cycle.
		for _, b := range d.Blocks {
			if _, owned := owner[b.ID]; owned && !reachable(ws, nodes[b.ID]) {
				return nil, fmt.Errorf("%w: block %q", ErrCycle, b.ID)
			}
		}
		return nil, ErrCycle
	}

	if err := ws.check(); err != nil {
		return nil, err
	}
	ws.sortRoots()
	return ws, nil
}

func reachable(ws *Workspace, target *Node) bool {
	found := false
	ws.Walk(func(n *Node) bool {
		if n == target {
			found = true
			return false
		}
		return true
	})
	return found
}

// Marshal serializes the workspace into its flat document form.
func (w *Workspace) Marshal() ([]byte, error) {
	return json.Marshal(w.Document())
}

// Document flattens the forest. Blocks appear in walk order.
func (w *Workspace) Document() *Document {
	doc := &Document{Blocks: []DocumentBlock{}}
	w.Walk(func(n *Node) bool {
		b := DocumentBlock{
			ID:   n.ID,
			Type: n.TypeName(),
			X:    n.X,
			Y:    n.Y,
		}
		if len(n.Fields) > 0 {
			b.Fields = make(map[string]Scalar, len(n.Fields))
			for k, v := range n.Fields {
				b.Fields[k] = Scalar(v)
			}
		}
		if len(n.Inputs) > 0 {
			b.Inputs = make(map[string]string, len(n.Inputs))
			for k, child := range n.Inputs {
				b.Inputs[k] = child.ID
			}
		}
		if n.Next != nil {
			b.Next = n.Next.ID
		}
		doc.Blocks = append(doc.Blocks, b)
		return true
	})
	return doc
}
