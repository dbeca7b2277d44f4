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

package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/geoproxy/api"
	"github.com/nabbar/geoproxy/backend"
	"github.com/nabbar/geoproxy/logging"
	"github.com/nabbar/geoproxy/model"
)

// fakeReplicator records every change handed to it without doing any
// actual replication, so tests can assert the API wires registration
// changes through to the replication layer.
type fakeReplicator struct {
	changes []model.Change
}

func (f *fakeReplicator) RecordChange(table, pk string, kind model.ChangeKind, data string) model.Change {
	c := model.NewChange(table, pk, kind, data, "test-node")
	f.changes = append(f.changes, c)
	return c
}

func doJSON(engine http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

var _ = Describe("api.Server", func() {
	var (
		store *backend.MemStore
		repl  *fakeReplicator
		srv   *api.Server
	)

	BeforeEach(func() {
		store = backend.NewMemStore()
		repl = &fakeReplicator{}
		srv = api.New(api.Config{HeartbeatTTL: 200 * time.Millisecond, SweepInterval: time.Hour}, store, repl, logging.Noop())
	})

	It("registers a backend, applying defaults and queuing a replicated change", func() {
		w := doJSON(srv.Engine(), http.MethodPost, "/api/v1/register", map[string]interface{}{
			"id": "b1", "app": "web", "region": "eu", "ip": "10.0.0.1", "port": 9000,
		})
		Expect(w.Code).To(Equal(http.StatusCreated))

		b, ok := store.Get("b1")
		Expect(ok).To(BeTrue())
		Expect(b.Country).To(Equal("DE"))
		Expect(b.Weight).To(Equal(uint32(api.DefaultWeight)))
		Expect(b.SoftLimit).To(Equal(uint32(api.DefaultSoftLimit)))
		Expect(b.HardLimit).To(Equal(uint32(api.DefaultHardLimit)))

		Expect(repl.changes).To(HaveLen(1))
		Expect(repl.changes[0].Kind).To(Equal(model.ChangeInsert))
		Expect(repl.changes[0].PK).To(Equal("b1"))
	})

	It("rejects a registration with an unknown region", func() {
		w := doJSON(srv.Engine(), http.MethodPost, "/api/v1/register", map[string]interface{}{
			"id": "b1", "app": "web", "region": "mars", "ip": "10.0.0.1", "port": 9000,
		})
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("accepts a heartbeat for a registered backend and 404s otherwise", func() {
		doJSON(srv.Engine(), http.MethodPost, "/api/v1/register", map[string]interface{}{
			"id": "b1", "app": "web", "region": "eu", "ip": "10.0.0.1", "port": 9000,
		})

		w := doJSON(srv.Engine(), http.MethodPost, "/api/v1/heartbeat/b1", nil)
		Expect(w.Code).To(Equal(http.StatusOK))

		w = doJSON(srv.Engine(), http.MethodPost, "/api/v1/heartbeat/missing", nil)
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("deregisters a backend and queues a replicated delete", func() {
		doJSON(srv.Engine(), http.MethodPost, "/api/v1/register", map[string]interface{}{
			"id": "b1", "app": "web", "region": "eu", "ip": "10.0.0.1", "port": 9000,
		})

		w := doJSON(srv.Engine(), http.MethodDelete, "/api/v1/backends/b1", nil)
		Expect(w.Code).To(Equal(http.StatusOK))

		_, ok := store.Get("b1")
		Expect(ok).To(BeFalse())

		Expect(repl.changes).To(HaveLen(2))
		Expect(repl.changes[1].Kind).To(Equal(model.ChangeDelete))

		w = doJSON(srv.Engine(), http.MethodDelete, "/api/v1/backends/b1", nil)
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("lists backends and reports healthy based on heartbeat age", func() {
		doJSON(srv.Engine(), http.MethodPost, "/api/v1/register", map[string]interface{}{
			"id": "b1", "app": "web", "region": "eu", "ip": "10.0.0.1", "port": 9000,
		})

		w := doJSON(srv.Engine(), http.MethodGet, "/api/v1/backends/b1", nil)
		Expect(w.Code).To(Equal(http.StatusOK))

		var got struct {
			Healthy bool `json:"healthy"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &got)).To(Succeed())
		Expect(got.Healthy).To(BeTrue())

		time.Sleep(300 * time.Millisecond)

		w = doJSON(srv.Engine(), http.MethodGet, "/api/v1/backends/b1", nil)
		Expect(json.Unmarshal(w.Body.Bytes(), &got)).To(Succeed())
		Expect(got.Healthy).To(BeFalse())
	})

	It("reports aggregate health on /health", func() {
		doJSON(srv.Engine(), http.MethodPost, "/api/v1/register", map[string]interface{}{
			"id": "b1", "app": "web", "region": "eu", "ip": "10.0.0.1", "port": 9000,
		})

		w := doJSON(srv.Engine(), http.MethodGet, "/health", nil)
		Expect(w.Code).To(Equal(http.StatusOK))

		var got struct {
			Status             string `json:"status"`
			RegisteredBackends int    `json:"registered_backends"`
		}
		Expect(json.Unmarshal(w.Body.Bytes(), &got)).To(Succeed())
		Expect(got.Status).To(Equal("ok"))
		Expect(got.RegisteredBackends).To(Equal(1))
	})
})
