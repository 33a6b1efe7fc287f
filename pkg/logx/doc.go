// Package logx is autochat's structured logging layer.
//
// Logger is a small value type on top of zerolog:
//   - console output with short timestamps and a file:line caller
//   - optional JSON file sink
//   - optional chat sink that forwards WARN+ lines to an operator chat (rate limited)
//
// A zero Logger is a no-op, so components can take one by value without nil checks.
package logx
