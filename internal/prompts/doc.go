// Package prompts holds the fixed texts scagent sends to the model or
// shows to users.
//
// Prompt text is Go code rather than config because it is program
// logic: the exploration turn and the introduction request shape every
// conversation, and tests pin them down. The analyst system prompt
// itself comes from the tool server; this package only carries the
// fallback used when the server cannot supply one.
package prompts
