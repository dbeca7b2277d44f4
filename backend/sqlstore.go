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

package backend

import (
	"sync"

	"gorm.io/gorm"

	"github.com/nabbar/geoproxy/errors"
	"github.com/nabbar/geoproxy/model"
)

// SqlStore is a Repository backed by a GORM handle (normally the shared
// SQLite database opened by package database). It keeps an in-memory
// snapshot refreshed by Reload, so reads never touch the database on the
// proxy's hot path - only registration, replication apply and the
// periodic reload do.
type SqlStore struct {
	db *gorm.DB

	mu       sync.RWMutex
	backends map[string]model.Backend
	version  uint64
}

// NewSqlStore wraps db. The table must already be migrated (package
// database's Open does this when given model.Backend).
func NewSqlStore(db *gorm.DB) *SqlStore {
	return &SqlStore{db: db, backends: make(map[string]model.Backend)}
}

// DB returns the underlying GORM handle, so a second SqlStore (or the
// replication apply path) can share the same connection.
func (s *SqlStore) DB() *gorm.DB {
	return s.db
}

// Reload replaces the in-memory snapshot with every non-deleted row from
// the database and bumps Version once, regardless of how many rows
// changed.
func (s *SqlStore) Reload() errors.Error {
	var rows []model.Backend
	if err := s.db.Where("deleted = ?", false).Find(&rows).Error; err != nil {
		return errors.CodeError(ErrorOpen).Error(err)
	}

	next := make(map[string]model.Backend, len(rows))
	for _, b := range rows {
		next[b.ID] = b
	}

	s.mu.Lock()
	s.backends = next
	s.version++
	s.mu.Unlock()

	return nil
}

func (s *SqlStore) Upsert(b model.Backend) errors.Error {
	if err := s.db.Save(&b).Error; err != nil {
		return errors.CodeError(ErrorPersist).Error(err)
	}

	s.mu.Lock()
	s.backends[b.ID] = b
	s.version++
	s.mu.Unlock()

	return nil
}

func (s *SqlStore) Delete(id string) errors.Error {
	s.mu.RLock()
	_, ok := s.backends[id]
	s.mu.RUnlock()
	if !ok {
		return errors.CodeError(ErrorNotFound).Error()
	}

	if err := s.db.Model(&model.Backend{}).Where("id = ?", id).Update("deleted", true).Error; err != nil {
		return errors.CodeError(ErrorPersist).Error(err)
	}

	s.mu.Lock()
	delete(s.backends, id)
	s.version++
	s.mu.Unlock()

	return nil
}

func (s *SqlStore) Get(id string) (model.Backend, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.backends[id]
	return b, ok
}

func (s *SqlStore) All() []model.Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Backend, 0, len(s.backends))
	for _, b := range s.backends {
		out = append(out, b)
	}
	return out
}

func (s *SqlStore) Healthy() []model.Backend {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Backend, 0, len(s.backends))
	for _, b := range s.backends {
		if b.Healthy {
			out = append(out, b)
		}
	}
	return out
}

func (s *SqlStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

var _ Repository = (*SqlStore)(nil)
