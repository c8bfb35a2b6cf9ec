// Package logx configures svcron's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured and append-only
//   - Cron event lines (user, pid, tag, detail) uniform across packages
package logx
