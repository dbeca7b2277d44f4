/*
 * MIT License
 *
 * Copyright (c) 2025 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package logging provides the structured, leveled logger every
// subsystem in this module uses. It is a deliberately small slice of the
// teacher's logger package: level control and per-call fields, backed by
// logrus, without the syslog/hclog/file-rotation output plumbing this
// domain never exercises (see DESIGN.md).
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields attaches structured context to a single log call.
type Fields map[string]interface{}

// Logger is the logging surface every component depends on.
type Logger interface {
	SetLevel(lvl string)
	Debug(msg string, f Fields)
	Info(msg string, f Fields)
	Warn(msg string, f Fields)
	Error(msg string, f Fields)
	Trace(msg string, f Fields)
	With(component string) Logger
}

type logger struct {
	base *logrus.Logger
	entry *logrus.Entry
}

// New returns a Logger writing JSON lines to w (os.Stdout if nil), with
// level parsed from lvl ("debug", "info", "warn", "error"; default info).
func New(w io.Writer, lvl string) Logger {
	if w == nil {
		w = os.Stdout
	}
	b := logrus.New()
	b.SetOutput(w)
	b.SetFormatter(&logrus.JSONFormatter{})
	l := &logger{base: b}
	l.SetLevel(lvl)
	l.entry = logrus.NewEntry(b)
	return l
}

func (l *logger) SetLevel(lvl string) {
	parsed, err := logrus.ParseLevel(lvl)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.base.SetLevel(parsed)
}

func (l *logger) With(component string) Logger {
	return &logger{base: l.base, entry: l.entry.WithField("component", component)}
}

func (l *logger) log(lvl logrus.Level, msg string, f Fields) {
	e := l.entry
	if len(f) > 0 {
		e = e.WithFields(logrus.Fields(f))
	}
	e.Log(lvl, msg)
}

func (l *logger) Debug(msg string, f Fields) { l.log(logrus.DebugLevel, msg, f) }
func (l *logger) Info(msg string, f Fields)  { l.log(logrus.InfoLevel, msg, f) }
func (l *logger) Warn(msg string, f Fields)  { l.log(logrus.WarnLevel, msg, f) }
func (l *logger) Error(msg string, f Fields) { l.log(logrus.ErrorLevel, msg, f) }
func (l *logger) Trace(msg string, f Fields) { l.log(logrus.TraceLevel, msg, f) }

// Noop returns a Logger that discards everything; useful for tests.
func Noop() Logger {
	return New(io.Discard, "error")
}
