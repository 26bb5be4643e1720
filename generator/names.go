package generator

import (
	"strconv"
	"strings"
	"unicode"
)

// reserved holds JavaScript keywords and the globals the sandbox prelude and
// generated code rely on. User variables never compile to these names.
var reserved = func() map[string]bool {
	words := strings.Fields(`
		break case catch class const continue debugger default delete do else
		enum export extends false finally for function if implements import in
		instanceof interface let new null package private protected public
		return static super switch this throw true try typeof var void while
		with yield await async of arguments eval undefined NaN Infinity
		Array Boolean Date Error Function JSON Math Number Object Promise
		Reflect RegExp String Symbol console print globalThis`)
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()

// internalPrefix marks identifiers owned by the generator and the sandbox.
const internalPrefix = "__blk_"

// nameDB maps author-visible variable names to distinct, legal identifiers.
type nameDB struct {
	byName map[string]string
	taken  map[string]bool
	order  []string
}

func newNameDB() *nameDB {
	return &nameDB{
		byName: make(map[string]string),
		taken:  make(map[string]bool),
	}
}

// variable returns the identifier for a user variable, allocating it on first use.
func (db *nameDB) variable(name string) string {
	if id, ok := db.byName[name]; ok {
		return id
	}
	id := db.distinct(sanitize(name))
	db.byName[name] = id
	db.order = append(db.order, id)
	return id
}

// distinct reserves a fresh identifier based on base.
func (db *nameDB) distinct(base string) string {
	id := base
	for i := 2; db.taken[id]; i++ {
		id = base + strconv.Itoa(i)
	}
	db.taken[id] = true
	return id
}

// declared returns user variables in first-use order.
func (db *nameDB) declared() []string {
	return db.order
}

func sanitize(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r == '_' || r == '$' || unicode.IsLetter(r):
			b.WriteRune(r)
		case unicode.IsDigit(r) && r < unicode.MaxASCII:
			if i == 0 {
				b.WriteRune('_')
			}
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	id := b.String()
	if id == "" {
		id = "unnamed"
	}
	if reserved[id] || strings.HasPrefix(id, internalPrefix) {
		id = "_" + id
	}
	return id
}
