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

// Package certificates resolves a tls.Certificate either from a PEM
// key/cert pair on disk or, when none is configured, from a freshly
// generated self-signed pair, trimmed to the one shape the TCP/TLS
// inbound server needs.
package certificates

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"time"
)

var (
	ErrInvalidPair  = errors.New("invalid certificate/key pair")
	ErrMissingPaths = errors.New("certificate and key file path are both required")
)

func cleanPem(b []byte) []byte {
	return bytes.TrimSpace(b)
}

// LoadPair loads a PEM-encoded certificate/key pair from disk.
func LoadPair(certFile, keyFile string) (tls.Certificate, error) {
	if certFile == "" || keyFile == "" {
		return tls.Certificate{}, ErrMissingPaths
	}

	crt, err := os.ReadFile(certFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	key, err := os.ReadFile(keyFile)
	if err != nil {
		return tls.Certificate{}, err
	}

	pair, err := tls.X509KeyPair(cleanPem(crt), cleanPem(key))
	if err != nil {
		return tls.Certificate{}, ErrInvalidPair
	}

	return pair, nil
}

// GenerateSelfSigned builds an in-memory self-signed ECDSA certificate
// valid for one year, with the given domain plus the loopback addresses
// present in its Subject Alternative Names. Used when no cert path is
// configured so the TLS inbound server always has something to present.
func GenerateSelfSigned(domain string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	sans := sanSet(domain)

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         false,
	}

	for _, s := range sans {
		if ip := net.ParseIP(s); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, s)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	keyDer, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPem := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer})

	return tls.X509KeyPair(certPem, keyPem)
}

// sanSet returns the fixed SAN list every self-signed certificate in
// this module carries: the configured domain plus the loopback
// addresses, so local smoke-testing never hits a hostname mismatch.
func sanSet(domain string) []string {
	set := []string{"localhost", "127.0.0.1", "::1"}
	if domain != "" && domain != "localhost" {
		set = append([]string{domain}, set...)
	}
	return set
}

// LoadOrGenerate loads certFile/keyFile from disk when both are set,
// otherwise falls back to a self-signed certificate for domain.
func LoadOrGenerate(domain, certFile, keyFile string) (tls.Certificate, error) {
	if certFile != "" && keyFile != "" {
		return LoadPair(certFile, keyFile)
	}
	return GenerateSelfSigned(domain)
}

// BuildTLSConfig wraps LoadOrGenerate into a ready-to-serve *tls.Config.
func BuildTLSConfig(domain, certFile, keyFile string) (*tls.Config, error) {
	crt, err := LoadOrGenerate(domain, certFile, keyFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{crt},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
