// Copyright 2025 Knowledgecore Project
//
// Package secretenv centralizes the environment-variable reads this
// module uses for passphrases, emulation roots, and transport
// endpoints. The get-with-default shape is
// grounded on pkg/config.Load's getEnv/getEnvBool helpers, generalized
// from a package-level os.Getenv call into an injectable Provider so
// callers never read os.Environ directly.
package secretenv

import (
	"os"
	"strconv"
)

// Provider resolves a named secret or config value. Lookup returns
// false when the name is unset, mirroring os.LookupEnv's contract.
type Provider interface {
	Lookup(name string) (value string, found bool)
}

// OSEnv is the default Provider, reading the real process environment.
type OSEnv struct{}

func (OSEnv) Lookup(name string) (string, bool) { return os.LookupEnv(name) }

// MapProvider is a Provider backed by an in-memory map, for tests that
// need to substitute secrets without mutating the process environment.
type MapProvider map[string]string

func (m MapProvider) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// String returns the named value, or def if unset or blank.
func String(p Provider, name, def string) string {
	if p == nil {
		p = OSEnv{}
	}
	v, ok := p.Lookup(name)
	if !ok || v == "" {
		return def
	}
	return v
}

// Bool returns the named value parsed as a bool, or def if unset or
// unparseable.
func Bool(p Provider, name string, def bool) bool {
	if p == nil {
		p = OSEnv{}
	}
	v, ok := p.Lookup(name)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Required returns the named value, or ok=false if it is unset or
// blank. Callers that need a passphrase or credential with no sane
// default use this instead of String.
func Required(p Provider, name string) (value string, ok bool) {
	if p == nil {
		p = OSEnv{}
	}
	v, found := p.Lookup(name)
	if !found || v == "" {
		return "", false
	}
	return v, true
}
