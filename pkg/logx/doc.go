// Package logx is the structured logger used across sector7g.
//
// Logger wraps zerolog with typed Field helpers. Loggers derived from a
// Service follow its sinks and level across Apply, so a config reload
// changes output without re-plumbing loggers. Console output is
// human-readable with a short caller; file output is JSON lines. A token
// bucket can shed low-severity lines when a hot loop gets chatty.
package logx
