// Package logx is procd's structured logging.
//
// It wraps zerolog behind a small value-type Logger:
//   - console output stays readable (short timestamp and caller)
//   - file output is JSON
//   - level and sinks can be swapped at runtime on config reload
//
// Components tag their lines with Component, Process and ServerID so logs
// from concurrent execution loops can be told apart.
package logx
