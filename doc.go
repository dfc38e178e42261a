// Package rilinject runs once inside a host process that embeds a managed
// runtime. The first call to a trigger function attaches to the runtime,
// loads a code bundle into it and redirects an interpreted method so that its
// results are also handed to a payload method from the bundle.
//
// Every failure is logged and ends setup. The trigger function and the
// intercepted method keep behaving as they did before, whatever the outcome.
package rilinject
