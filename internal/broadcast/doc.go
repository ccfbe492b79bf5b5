// Package broadcast implements the fan-out dispatch engine.
//
// A dispatch takes operator-authored content plus a scope, expands the scope
// into recipient chats per target platform, normalizes the content into one
// platform-specific payload per platform, runs it through the deduplication
// gate, and sends one copy per recipient with bounded concurrency, rate
// limiting and retry.
//
// Delivery semantics
//
// Dispatch is best-effort and not atomic across recipients: partial success
// is expected and reported, never rolled back. Every successful send is
// recorded in the batch tracker before the next recipient is attempted, so a
// crash mid-dispatch leaves a correct partial record. The dedup gate is the
// backstop against the same logical broadcast being delivered twice.
package broadcast
