// Package logx is campaignd's structured logging layer, a thin wrapper
// around zerolog. The console sink stays human-readable (short timestamp,
// short caller); the optional file sink emits JSON lines.
package logx
