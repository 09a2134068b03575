//go:build !debug

package debug

// Log is a no-op in production builds. Build with -tags debug to enable
// verbose protocol tracing.
func Log(level int, format string, v ...any) {}

// Enabled reports whether debug tracing was compiled in.
func Enabled() bool { return false }
