// Package sandbox runs generated JavaScript in an isolated, single-use
// WebAssembly context and captures what it printed.
//
// Each run instantiates a fresh QuickJS module under wazero with no
// filesystem, environment, network or host functions. The program's console
// channels are framed on one output stream so entries arrive in the order the
// program emitted them:
//
//	exec, _ := sandbox.New()
//	defer exec.Close()
//
//	res := exec.Run(ctx, javascript.New(), `console.log("hi")`)
//	for _, d := range res.Diagnostics {
//		fmt.Println(d.Channel, d.Text)
//	}
//
// A Session owns at most one running context. Starting a new run destroys the
// previous context and waits for it to terminate; the superseded run's output
// is never delivered.
package sandbox
