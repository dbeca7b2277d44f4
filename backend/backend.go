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

// Package backend owns the registered-backend table: a read-through cache
// keyed by id, exposed with a version counter that bumps on every mutation
// so callers can detect a stale snapshot without re-reading every row.
package backend

import (
	"github.com/nabbar/geoproxy/errors"
	"github.com/nabbar/geoproxy/model"
)

const (
	ErrorNotFound = iota + errors.MinPkgBackend
	ErrorOpen
	ErrorPersist
)

func init() {
	errors.RegisterMessages(map[errors.CodeError]string{
		ErrorNotFound: "backend not found",
		ErrorOpen:     "failed to open backend store",
		ErrorPersist:  "failed to persist backend",
	})
}

// Repository is the read-through cache of registered backends. Every
// implementation hands out a version counter that increments on every
// upsert, delete or bulk reload so the proxy and load balancer can tell
// when their own view might be stale.
type Repository interface {
	// Upsert inserts or replaces the backend by id, bumping Version.
	Upsert(b model.Backend) errors.Error

	// Delete marks the backend gone. Returns ErrorNotFound if absent.
	Delete(id string) errors.Error

	// Get returns a single backend by id.
	Get(id string) (model.Backend, bool)

	// All returns every non-deleted backend, healthy or not.
	All() []model.Backend

	// Healthy returns every non-deleted backend with Healthy == true.
	Healthy() []model.Backend

	// Version returns the current version counter. It only ever
	// increases across the lifetime of a Repository.
	Version() uint64
}
