// Copyright © 2024 Jeff Berkowitz (pdxjjb@gmail.com)
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.

package checkpoint

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
)

// Logger is the engine's single structured-logging seam. It mirrors
// the teacher's "fmt.Fprintf to an io.Writer" convention rather than
// pulling in a structured-logging framework the teacher never uses.
type Logger struct {
	out io.Writer
}

// NewLogger writes to out as is, ANSI severity color codes included;
// it applies no terminal translation. NewDefaultLogger wraps stderr
// through go-colorable so ANSI severity coloring survives on Windows
// consoles, the same way andypeng2015/tinygo colors its CLI output.
func NewLogger(out io.Writer) *Logger { return &Logger{out: out} }

func NewDefaultLogger() *Logger { return &Logger{out: colorable.NewColorable(os.Stderr)} }

func (l *Logger) Infof(format string, args ...any) {
	if l == nil || l.out == nil {
		return
	}
	fmt.Fprintf(l.out, "\x1b[32mINFO\x1b[0m "+format+"\n", args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	if l == nil || l.out == nil {
		return
	}
	fmt.Fprintf(l.out, "\x1b[31mERROR\x1b[0m "+format+"\n", args...)
}

// ErrorKind logs a structured error line: kind, offending input, hint.
func (l *Logger) ErrorKind(kind error, input, hint string, cause error) {
	if cause != nil {
		l.Errorf("%s: input=%q hint=%q cause=%v", kind, input, hint, cause)
		return
	}
	l.Errorf("%s: input=%q hint=%q", kind, input, hint)
}
