// Package blockrun compiles visual block programs to JavaScript and runs
// them in an isolated WebAssembly sandbox.
//
// # Overview
//
// A workspace is a forest of blocks, loaded from JSON or YAML by the [block]
// package. The [generator] package translates it into a single script, and
// the [sandbox] package runs that script in a fresh QuickJS context with no
// host capabilities, capturing every console entry as a diagnostic.
//
// # Basic Usage
//
//	ws, _ := block.Load(data)
//	script, _ := generator.Compile(ws)
//
//	exec, _ := sandbox.New(sandbox.WithPrecompile(javascript.New()))
//	defer exec.Close()
//
//	res := exec.Run(ctx, javascript.New(), script.Source)
//	for _, d := range res.Diagnostics {
//	    fmt.Println(d.Channel, d.Text)
//	}
//
// # Editor Sessions
//
// A [sandbox.Session] holds at most one live run. Starting a new run
// destroys the previous context first, so a superseded run never delivers
// output:
//
//	session := exec.NewSession(javascript.New())
//	run, _ := session.Start(ctx, script.Source)
//	for ev := range run.Events() {
//	    ...
//	}
//
// # Remote Execution
//
// Source in other languages is sent to a Piston compatible service through
// [gateway.Client], which only accepts languages the service lists.
//
// See cmd/blockrun for the CLI and HTTP server.
package blockrun
