// Package logx is the structured logger used across tflsched.
//
// It wraps zerolog so that:
//   - the console shows a readable line with a short caller
//   - the optional file sink gets JSON
//   - level and sinks change at runtime on config reload without
//     re-creating component loggers
package logx
