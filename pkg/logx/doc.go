// Package logx provides a small structured-logging facade over zerolog.
//
// Components take a logx.Logger value; the zero value is a safe no-op, so
// tests and optional wiring never need nil checks.
package logx
