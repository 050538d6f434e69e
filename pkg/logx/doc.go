// Package logx configures runit's structured logging.
//
// A small wrapper (logx.Logger) over zerolog keeps:
//   - console output readable (short timestamp + short caller)
//   - file output JSON-structured
//   - one Service that can swap level and sinks on config reload
package logx
