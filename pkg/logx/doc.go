// Package logx is the structured logger shared by every fluentsched
// component.
//
// Logger wraps zerolog. Loggers derived from a Service follow Service.Apply,
// so a config reload can change level and sinks without re-wiring anything.
// Console output is human-readable with a short caller; the log file is JSON.
package logx
