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

package config_test

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nabbar/geoproxy/config"
)

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.BindFlags(fs)
	return fs
}

var _ = Describe("config.Load", func() {
	It("fails validation when required fields are left at their zero value", func() {
		fs := newFlagSet()
		Expect(fs.Parse(nil)).To(Succeed())

		_, err := config.Load(fs, "")
		Expect(err).To(HaveOccurred())
	})

	It("loads a complete configuration from flags alone", func() {
		fs := newFlagSet()
		Expect(fs.Parse([]string{
			"--node-id=node-1",
			"--region=eu",
			"--gossip-addr=127.0.0.1:7946",
			"--transport-addr=127.0.0.1:7947",
			"--database-dsn=file::memory:",
		})).To(Succeed())

		cfg, err := config.Load(fs, "")
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.NodeID).To(Equal("node-1"))
		Expect(cfg.Region).To(Equal("eu"))
		Expect(cfg.TCPListen).To(Equal(":8443"))
		Expect(cfg.HeartbeatTTL).To(Equal(30 * time.Second))

		region, ok := cfg.RegionCode()
		Expect(ok).To(BeTrue())
		Expect(region.String()).To(Equal("EU"))

		Expect(cfg.DatabaseReloadInterval).To(Equal(30 * time.Second))
		Expect(cfg.BindingTTL).To(Equal(5 * time.Minute))
		Expect(cfg.BindingGCInterval).To(Equal(time.Minute))
		Expect(cfg.RateLimitCleanupInterval).To(Equal(time.Minute))
		Expect(cfg.HealthCheckInterval).To(Equal(10 * time.Second))

		hc := cfg.HealthCheck()
		Expect(hc.UnhealthyThreshold).To(Equal(3))
		Expect(hc.HealthyThreshold).To(Equal(2))
	})

	It("layers a YAML file under flag defaults", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "geoproxy.yaml")
		Expect(os.WriteFile(path, []byte("node-id: from-file\nregion: na\ngossip-addr: 127.0.0.1:7946\ntransport-addr: 127.0.0.1:7947\ndatabase-dsn: \"file::memory:\"\ntcp-listen: \":9443\"\n"), 0o600)).To(Succeed())

		fs := newFlagSet()
		Expect(fs.Parse(nil)).To(Succeed())

		cfg, err := config.Load(fs, path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.NodeID).To(Equal("from-file"))
		Expect(cfg.TCPListen).To(Equal(":9443"))
	})

	It("lets an explicit flag override the file", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "geoproxy.yaml")
		Expect(os.WriteFile(path, []byte("node-id: from-file\nregion: na\ngossip-addr: 127.0.0.1:7946\ntransport-addr: 127.0.0.1:7947\ndatabase-dsn: \"file::memory:\"\n"), 0o600)).To(Succeed())

		fs := newFlagSet()
		Expect(fs.Parse([]string{"--node-id=from-flag"})).To(Succeed())

		cfg, err := config.Load(fs, path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.NodeID).To(Equal("from-flag"))
	})

	It("rejects an unknown region", func() {
		fs := newFlagSet()
		Expect(fs.Parse([]string{
			"--node-id=node-1",
			"--region=mars",
			"--gossip-addr=127.0.0.1:7946",
			"--transport-addr=127.0.0.1:7947",
			"--database-dsn=file::memory:",
		})).To(Succeed())

		_, err := config.Load(fs, "")
		Expect(err).To(HaveOccurred())
	})
})
