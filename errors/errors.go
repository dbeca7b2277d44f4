/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
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

// Package errors gives every package in this module a coded error type:
// a numeric CodeError (scoped per package by a MinPkgXxx base), an
// optional parent chain, and compatibility with the standard errors.Is.
// Crossing a public interface (the proxy event channel, the replication
// agent's applied-change channel, ...) always means returning one of
// these, never a bare string.
package errors

import (
	"strings"
)

// CodeError is a numeric error classification, similar in spirit to an
// HTTP status code but scoped per package via the MinPkgXxx constants.
type CodeError uint16

const UnknownError CodeError = 0

func (c CodeError) Uint16() uint16 {
	return uint16(c)
}

// Error constructs a concrete Error value for this code, optionally
// chaining parent causes.
func (c CodeError) Error(parent ...error) Error {
	e := &ers{c: c}
	e.Add(parent...)
	return e
}

// Error is the interface every error returned across a public boundary
// in this module implements.
type Error interface {
	error

	Code() CodeError
	IsCode(code CodeError) bool
	HasCode(code CodeError) bool

	Add(parent ...error)
	HasParent() bool
	Parents() []error
}

type ers struct {
	c CodeError
	p []error
}

func (e *ers) Code() CodeError {
	return e.c
}

func (e *ers) IsCode(code CodeError) bool {
	return e.c == code
}

func (e *ers) HasCode(code CodeError) bool {
	if e.IsCode(code) {
		return true
	}
	for _, p := range e.p {
		if pe, ok := p.(Error); ok && pe.HasCode(code) {
			return true
		}
	}
	return false
}

func (e *ers) Add(parent ...error) {
	for _, v := range parent {
		if v != nil {
			e.p = append(e.p, v)
		}
	}
}

func (e *ers) HasParent() bool {
	return len(e.p) > 0
}

func (e *ers) Parents() []error {
	return e.p
}

func (e *ers) Error() string {
	msg := getMessage(e.c)
	if msg == "" {
		msg = "unknown error"
	}
	if len(e.p) == 0 {
		return msg
	}
	parts := make([]string, 0, len(e.p)+1)
	parts = append(parts, msg)
	for _, p := range e.p {
		parts = append(parts, p.Error())
	}
	return strings.Join(parts, ": ")
}

func (e *ers) Is(target error) bool {
	if o, ok := target.(Error); ok {
		return e.c == o.Code()
	}
	return false
}
