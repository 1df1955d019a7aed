// Package klog is the kernel's console logger: a thin leveled wrapper
// over the UART output sink. The teacher prints straight to the console
// with fmt.Printf everywhere (mem.go's Phys_init banner, the tfdump/
// hexdump diagnostics); this package keeps that terse idiom but routes
// it through one lock-guarded sink so log lines from different harts do
// not interleave mid-line, and so the panic path can force the lock
// open before printing its last words.
package klog

import (
	"fmt"
	"io"

	"rvkernel/internal/spinlock"
)

// Level gates which messages reach the console.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

// Logger serializes formatted writes to the UART sink.
type Logger struct {
	lock spinlock.Lock
	out  io.Writer
	min  Level
}

// New builds a Logger writing to out at the given minimum level.
func New(out io.Writer, min Level) *Logger {
	return &Logger{out: out, min: min}
}

// Global is the kernel-wide logger singleton, initialized once at boot
// after the UART sink exists.
var Global spinlock.Cell[Logger]

func (l *Logger) logf(lv Level, prefix, format string, args ...any) {
	if lv < l.min || l.out == nil {
		return
	}
	l.lock.Acquire()
	fmt.Fprintf(l.out, prefix+format+"\n", args...)
	l.lock.Release()
}

// Debugf logs at Debug level.
func (l *Logger) Debugf(format string, args ...any) { l.logf(Debug, "", format, args...) }

// Infof logs at Info level.
func (l *Logger) Infof(format string, args ...any) { l.logf(Info, "", format, args...) }

// Warnf logs at Warn level.
func (l *Logger) Warnf(format string, args ...any) { l.logf(Warn, "warning: ", format, args...) }

// Errorf logs at Error level.
func (l *Logger) Errorf(format string, args ...any) { l.logf(Error, "error: ", format, args...) }

// ForceUnlock opens the logger's lock unconditionally; panic path only.
func (l *Logger) ForceUnlock() { l.lock.ForceUnlock() }
