// Package assistant is the application context for the chat service.
//
// A [Runtime] owns everything one initialization produces: the tool
// server session, the bridged tool registry, the model binding and the
// conversation executor built on top of them. When the session is lost
// the whole set is torn down and rebuilt together, so there is never a
// live executor pointing at a dead session.
//
// Initialization follows a fixed order: credential check, connect,
// tool discovery, schema and system prompt, model binding, executor.
// Failure at any stage disconnects the session and records an
// [InitError]; the runtime stays not-ready until the next attempt
// succeeds. Schema and prompt fetch failures are not fatal and fall
// back to fixed texts.
package assistant
