package block_test

import (
	"errors"
	"testing"

	"github.com/caffeineduck/blockrun/block"
)

func TestLoadValidDocument(t *testing.T) {
	ws, err := block.Load([]byte(`{"blocks":[
		{"id":"p","type":"text_print","inputs":{"TEXT":"add"},"next":"w"},
		{"id":"add","type":"math_arithmetic","fields":{"OP":"ADD"},"inputs":{"A":"a","B":"b"}},
		{"id":"a","type":"math_number","fields":{"NUM":5}},
		{"id":"b","type":"math_number","fields":{"NUM":"3"}},
		{"id":"w","type":"console_warn"}
	]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	roots := ws.Roots()
	if len(roots) != 1 || roots[0].ID != "p" {
		t.Fatalf("expected single root p, got %v", roots)
	}
	if ws.Len() != 5 {
		t.Errorf("expected 5 nodes, got %d", ws.Len())
	}

	add := roots[0].Input("TEXT")
	if add == nil || add.Kind != block.KindArithmetic {
		t.Fatalf("expected arithmetic block in TEXT, got %+v", add)
	}
	if v, _ := add.Input("A").Field("NUM"); v != "5" {
		t.Errorf("expected unquoted number to load as \"5\", got %q", v)
	}
	if roots[0].Next == nil || roots[0].Next.Kind != block.KindWarn {
		t.Errorf("expected console_warn successor")
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{
			name: "not json",
			doc:  `{"blocks":`,
			want: block.ErrInvalidDocument,
		},
		{
			name: "schema violation",
			doc:  `{"blocks":[{"id":"a"}]}`,
			want: block.ErrInvalidDocument,
		},
		{
			name: "duplicate id",
			doc:  `{"blocks":[{"id":"a","type":"text"},{"id":"a","type":"text"}]}`,
			want: block.ErrDuplicateID,
		},
		{
			name: "dangling reference",
			doc:  `{"blocks":[{"id":"a","type":"text_print","inputs":{"TEXT":"missing"}}]}`,
			want: block.ErrDanglingRef,
		},
		{
			name: "shared node",
			doc: `{"blocks":[
				{"id":"p1","type":"text_print","inputs":{"TEXT":"t"}},
				{"id":"p2","type":"text_print","inputs":{"TEXT":"t"}},
				{"id":"t","type":"text","fields":{"TEXT":"x"}}
			]}`,
			want: block.ErrSharedNode,
		},
		{
			name: "shared via next and input",
			doc: `{"blocks":[
				{"id":"p1","type":"text_print","next":"p2"},
				{"id":"r","type":"controls_repeat_ext","inputs":{"DO":"p2"}},
				{"id":"p2","type":"text_print"}
			]}`,
			want: block.ErrSharedNode,
		},
		{
			name: "self reference",
			doc:  `{"blocks":[{"id":"a","type":"text_print","next":"a"}]}`,
			want: block.ErrCycle,
		},
		{
			name: "unreachable cycle",
			doc: `{"blocks":[
				{"id":"root","type":"text_print"},
				{"id":"a","type":"text_print","next":"b"},
				{"id":"b","type":"text_print","next":"a"}
			]}`,
			want: block.ErrCycle,
		},
		{
			name: "unknown socket",
			doc: `{"blocks":[
				{"id":"p","type":"text_print","inputs":{"NOPE":"t"}},
				{"id":"t","type":"text"}
			]}`,
			want: block.ErrUnknownSocket,
		},
		{
			name: "zero padded socket index",
			doc: `{"blocks":[
				{"id":"if","type":"controls_if","inputs":{"IF01":"c","DO01":"p"}},
				{"id":"c","type":"logic_boolean","fields":{"BOOL":"TRUE"}},
				{"id":"p","type":"text_print"}
			]}`,
			want: block.ErrUnknownSocket,
		},
		{
			name: "socket index beyond block count",
			doc: `{"blocks":[
				{"id":"if","type":"controls_if","inputs":{"IF65000":"c"}},
				{"id":"c","type":"logic_boolean","fields":{"BOOL":"TRUE"}}
			]}`,
			want: block.ErrUnknownSocket,
		},
		{
			name: "join item index beyond block count",
			doc: `{"blocks":[
				{"id":"j","type":"text_join","inputs":{"ADD2":"t"}},
				{"id":"t","type":"text","fields":{"TEXT":"x"}}
			]}`,
			want: block.ErrUnknownSocket,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := block.Load([]byte(tt.doc))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadKeepsUnknownTypes(t *testing.T) {
	// Unknown types load fine; the generator is the one that refuses them.
	ws, err := block.Load([]byte(`{"blocks":[{"id":"x","type":"robot_dance","inputs":{"ANY":"t"}},{"id":"t","type":"text"}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := ws.Roots()[0]
	if r.Kind != block.KindUnknown || r.TypeName() != "robot_dance" {
		t.Errorf("expected unknown kind with type robot_dance, got %v/%s", r.Kind, r.TypeName())
	}
}

func TestRootOrder(t *testing.T) {
	ws, err := block.Load([]byte(`{"blocks":[
		{"id":"low","type":"text_print","x":0,"y":200},
		{"id":"right","type":"text_print","x":50,"y":10},
		{"id":"left","type":"text_print","x":0,"y":10},
		{"id":"tie","type":"text_print","x":0,"y":10}
	]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []string
	for _, r := range ws.Roots() {
		got = append(got, r.ID)
	}
	want := []string{"left", "tie", "right", "low"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	src := `{"blocks":[
		{"id":"s","type":"variables_set","fields":{"VAR":"n"},"inputs":{"VALUE":"v"},"next":"p","y":1},
		{"id":"v","type":"math_number","fields":{"NUM":"4"}},
		{"id":"p","type":"text_print","inputs":{"TEXT":"g"}},
		{"id":"g","type":"variables_get","fields":{"VAR":"n"}}
	]}`
	ws, err := block.Load([]byte(src))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := ws.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := block.Load(data)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Len() != ws.Len() {
		t.Errorf("expected %d nodes after reload, got %d", ws.Len(), again.Len())
	}
	if again.Roots()[0].Next.Input("TEXT").Kind != block.KindGetVariable {
		t.Errorf("expected structure to survive round trip")
	}
}

func TestLoadYAML(t *testing.T) {
	ws, err := block.LoadYAML([]byte(`
blocks:
  - id: p
    type: text_print
    inputs:
      TEXT: t
  - id: t
    type: text
    fields:
      TEXT: "Hello, World!"
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v, _ := ws.Roots()[0].Input("TEXT").Field("TEXT"); v != "Hello, World!" {
		t.Errorf("expected text literal, got %q", v)
	}

	_, err = block.LoadYAML([]byte("blocks:\n  - id: a\n    type: text_print\n    next: a\n"))
	if !errors.Is(err, block.ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}
}
