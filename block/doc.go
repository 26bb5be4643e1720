// Package block models programs authored in the visual editor.
//
// A program is a forest of [Node] values held by a [Workspace]. Statements are
// chained through Next; expressions hang off named sockets. Each node owns what
// it points to, so the forest is always finite and acyclic. Serialized
// workspaces are flat lists of blocks referencing each other by id and must go
// through [Load], which rejects shared nodes and cycles before anything can be
// compiled.
//
//	ws, err := block.Load(data)
//	if err != nil {
//	    return err
//	}
//	script, err := generator.Compile(ws)
//
// Block kinds form a closed set (see [Kind]). Type strings the package does not
// know decode to [KindUnknown] so the compiler can report them by id.
package block
