// Package logx is taskd's structured logging facade over zerolog.
//
// Components take a logx.Logger value and never touch zerolog directly.
// Loggers created from the Service stay live across config reloads:
// Service.Apply swaps level and sinks (console, file) under the hood.
package logx
