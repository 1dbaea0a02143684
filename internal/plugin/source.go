// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Visor Contributors

package plugin

import (
	"encoding/hex"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

type sourceKind int

const (
	sourceNone sourceKind = iota
	sourceCode
	sourceURL
)

// Source is plugin code given either literally or as a URL to fetch.
type Source struct {
	kind     sourceKind
	code     string
	url      string
	name     string
	checksum string
}

// SourceCode returns a literal source.
func SourceCode(code string) Source {
	return Source{kind: sourceCode, code: code}
}

// SourceURL returns a source fetched as plain text from url.
func SourceURL(url string) Source {
	return Source{kind: sourceURL, url: url}
}

// WithChecksum requires the resolved text to match a hex blake2b-256 sum.
func (s Source) WithChecksum(sum string) Source {
	s.checksum = strings.ToLower(strings.TrimSpace(sum))
	return s
}

// WithName sets the chunk name used in guest stack traces.
func (s Source) WithName(name string) Source {
	s.name = name
	return s
}

// IsURL reports whether the source must be fetched.
func (s Source) IsURL() bool { return s.kind == sourceURL }

// String describes the source for logs.
func (s Source) String() string {
	switch s.kind {
	case sourceCode:
		return "code"
	case sourceURL:
		return s.url
	default:
		return "none"
	}
}

func (s Source) validate() error {
	switch s.kind {
	case sourceCode:
		return nil
	case sourceURL:
		if s.url == "" {
			return errors.New("source URL is empty")
		}
		return nil
	default:
		return errors.New("source has neither code nor URL")
	}
}

func (s Source) verify(code string) error {
	if s.checksum == "" {
		return nil
	}
	if got := Checksum(code); got != s.checksum {
		return errors.New("checksum mismatch: want " + s.checksum + ", got " + got)
	}
	return nil
}

// Checksum returns the hex blake2b-256 sum of code.
func Checksum(code string) string {
	sum := blake2b.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}
