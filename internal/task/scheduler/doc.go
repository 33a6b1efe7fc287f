// Package scheduler runs the persistent recurring tasks of the bot.
//
// Reconciliation rebuilds in-memory state from the store at boot and re-arms
// pending tasks. When a task's timer fires, its body runs on the execution
// engine; perpetuating kinds then create and arm their own successor.
package scheduler
