// Package logx configures botfleet's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog that keeps console
// output readable (short timestamp + short caller) and file output
// JSON-structured. A Service swaps sinks and levels at runtime without
// invalidating loggers handed out earlier.
package logx
