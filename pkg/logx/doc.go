// Package logx configures rtcore's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - A zero value that is a safe no-op, so core packages never nil-check
package logx
