// Copyright The Repository Playground Authors
// SPDX-License-Identifier: Apache-2.0

// Package config reads and writes the signer workbench configuration file
// kept at the repository root. The file records who the signer is, how to
// reach their PKCS#11 module and which remotes the signing flows use, plus a
// per-keyid signer URI cache filled in as keys are provisioned.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/ini.v1"
)

// FileName is the well-known name of the workbench configuration file,
// relative to the repository worktree root.
const FileName = ".playground-sign.ini"

// EnvPKCS11Module overrides the configured PKCS#11 module path when set.
const EnvPKCS11Module = "PYKCS11LIB"

var ErrMissingSetting = errors.New("missing required setting")

// User is one signer's workbench configuration.
type User struct {
	// Name is the signer's handle, as recorded in keyowner fields.
	Name string

	// PKCS11Module is the configured PKCS#11 module path used for hardware
	// keys. PKCS11ModulePath applies the environment override.
	PKCS11Module string

	// PullRemote is fetched from to find signing events and the baseline.
	// PushRemote receives the signed result, typically the signer's fork.
	PullRemote string
	PushRemote string

	path string
	file *ini.File
}

// Load reads the configuration file at path. All settings are required; only
// the signing-keys section is optional.
func Load(path string) (*User, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read settings file %s: %w", path, err)
	}

	user := &User{path: path, file: file}

	settings := file.Section("settings")
	for _, setting := range []struct {
		key   string
		value *string
	}{
		{"user-name", &user.Name},
		{"pykcs11lib", &user.PKCS11Module},
		{"pull-remote", &user.PullRemote},
		{"push-remote", &user.PushRemote},
	} {
		if !settings.HasKey(setting.key) {
			return nil, fmt.Errorf("%w: %s in %s", ErrMissingSetting, setting.key, path)
		}
		*setting.value = settings.Key(setting.key).String()
	}

	return user, nil
}

// LoadForRepository reads the configuration file from the repository
// worktree root.
func LoadForRepository(worktree string) (*User, error) {
	return Load(filepath.Join(worktree, FileName))
}

// PKCS11ModulePath returns the PKCS#11 module path, honoring the environment
// override.
func (u *User) PKCS11ModulePath() string {
	if fromEnv := os.Getenv(EnvPKCS11Module); fromEnv != "" {
		return fromEnv
	}
	return u.PKCS11Module
}

// SignerURI returns the configured signer URI for a keyid, or "" when the
// key has not been provisioned on this machine.
func (u *User) SignerURI(keyID string) string {
	section := u.file.Section("signing-keys")
	if !section.HasKey(keyID) {
		return ""
	}
	return section.Key(keyID).String()
}

// StoreSignerURI records the signer URI for a keyid and rewrites the
// configuration file. Comments in the file do not survive the rewrite.
func (u *User) StoreSignerURI(keyID, uri string) error {
	u.file.Section("signing-keys").Key(keyID).SetValue(uri)

	if err := u.file.SaveTo(u.path); err != nil {
		return fmt.Errorf("unable to update settings file %s: %w", u.path, err)
	}
	return nil
}
