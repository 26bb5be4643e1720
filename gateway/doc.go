// Package gateway submits user-written source in a named language to a
// remote execution backend and normalizes what comes back.
//
// The backend speaks the Piston v2 HTTP API. The set of accepted languages
// is whatever the most recent ListLanguages call returned; Run refuses
// anything else, and empty source, without touching the network. Every call
// is a single attempt. A program that exits non-zero or is killed by a
// signal is a normal result, not an error:
//
//	c := gateway.NewClient("https://emkc.org/api/v2/piston")
//	if _, err := c.ListLanguages(ctx); err != nil {
//		return err
//	}
//	res, err := c.Run(ctx, "python", "print('hi')")
//	if err != nil {
//		return err // *ValidationError or *TransportError
//	}
//	view := gateway.Render(res)
package gateway
