// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package gotls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// ConfigOptions describe the server side of the TLS configuration.
type ConfigOptions struct {
	CertFile string
	KeyFile  string

	// CAFile, when set, makes client certificates mandatory and verifies them
	// against the CAs it holds.
	CAFile string

	// Version is the protocol minor version: 1 for TLS 1.0 up to 4 for TLS 1.3.
	Version int

	// AllowDowngrade accepts any version from TLS 1.0 up, instead of pinning
	// the connection to Version.
	AllowDowngrade bool

	// CipherList is a colon separated list of suite names as reported by
	// tls.CipherSuiteName. It only affects TLS 1.2 and below.
	CipherList string
}

// DefaultVersion is TLS 1.2.
const DefaultVersion = 3

// ParseVersion maps a protocol minor version onto its crypto/tls constant.
func ParseVersion(v int) (uint16, error) {
	switch v {
	case 1:
		return tls.VersionTLS10, nil
	case 2:
		return tls.VersionTLS11, nil
	case 3:
		return tls.VersionTLS12, nil
	case 4:
		return tls.VersionTLS13, nil
	}
	return 0, errors.Errorf("gotls: unsupported TLS version %d", v)
}

// LoadConfig builds a server *tls.Config.
func LoadConfig(opts ConfigOptions) (*tls.Config, error) {
	if opts.Version == 0 {
		opts.Version = DefaultVersion
	}
	version, err := ParseVersion(opts.Version)
	if err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, errors.Wrapf(err, "gotls: load key pair %s, %s", opts.CertFile, opts.KeyFile)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   version,
		MaxVersion:   version,
	}
	if opts.AllowDowngrade {
		cfg.MinVersion = tls.VersionTLS10
		cfg.MaxVersion = 0
	}

	if opts.CipherList != "" {
		if cfg.CipherSuites, err = ParseCipherList(opts.CipherList); err != nil {
			return nil, err
		}
	}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, errors.Wrapf(err, "gotls: read CA file %s", opts.CAFile)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("gotls: no certificates in %s", opts.CAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ParseCipherList resolves suite names, separated by colons or commas.
func ParseCipherList(list string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, cs := range tls.CipherSuites() {
		known[cs.Name] = cs.ID
	}
	for _, cs := range tls.InsecureCipherSuites() {
		known[cs.Name] = cs.ID
	}

	var ids []uint16
	for _, name := range strings.FieldsFunc(list, func(r rune) bool { return r == ':' || r == ',' }) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := known[name]
		if !ok {
			return nil, errors.Errorf("gotls: unknown cipher suite %q", name)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, errors.Errorf("gotls: empty cipher list %q", list)
	}
	return ids, nil
}
