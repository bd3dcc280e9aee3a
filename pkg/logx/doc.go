// Package logx wraps zerolog behind a small structured-logging API.
//
// Components receive a Logger (usually tagged with a comp field) and never
// touch zerolog directly. The Service owns the sinks (console, optional
// file) and supports hot-reloading level and outputs via Apply().
package logx
