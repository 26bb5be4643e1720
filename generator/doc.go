// Package generator compiles a block workspace into a JavaScript program.
//
// Compile is a pure function of the workspace: the same forest always yields
// the same source. Every block kind has exactly one translation; a block the
// generator does not know is a CompileError rather than silently skipped.
// Operands are parenthesized only where operator binding strength requires
// it, so
//
//	(1 + 2) * 3
//
// keeps its parentheses while 1 + 2 * 3 does not gain any.
package generator
