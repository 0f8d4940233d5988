// Package logx configures signalbell's structured logging.
//
// Components take a logx.Logger (a small value type over zerolog) and derive
// scoped loggers with With(logx.String("comp", ...)). The root logger is owned
// by a Service so level and sinks can be swapped on config reload:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
package logx
