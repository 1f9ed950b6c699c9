/*
Robin Mail Server - Configurable SMTP/LMTP mail transfer agent.
Copyright © 2021-2024 Robin Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package auth verifies AUTH credentials against the configured backend:
// either the static bcrypt table from the configuration file or a Dovecot
// SASL service.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/log"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrUnsupportedMech    = errors.New("auth: unsupported SASL mechanism")
)

// Authenticator verifies a username/password pair. Implementations must
// return ErrInvalidCredentials for bad credentials; other errors are
// treated as backend faults (temporary).
type Authenticator interface {
	AuthPlain(username, password string) error
}

// New builds the Authenticator selected by auth.backend.
func New(cfg *config.Config, logger log.Logger) (Authenticator, error) {
	switch cfg.Auth.Backend {
	case "", "static":
		return NewStatic(cfg.Auth.Users), nil
	case "dovecot":
		return NewDovecotSASL(cfg.Dovecot.SaslEndpoint, logger)
	default:
		return nil, fmt.Errorf("auth: unknown backend %q", cfg.Auth.Backend)
	}
}

// Static authenticates against the in-config user table. Passwords are
// stored as bcrypt hashes.
type Static struct {
	users map[string]string
}

func NewStatic(users []config.AuthUser) *Static {
	m := make(map[string]string, len(users))
	for _, u := range users {
		m[normalizeUsername(u.Name)] = u.PasswordBcrypt
	}
	return &Static{users: m}
}

// dummyHash keeps the comparison cost flat for unknown usernames.
var dummyHash = []byte("$2a$10$Cv39g0kOSN7qkdVSrMV7UuJGGla2eIjI8MyBWyCYuGRdYSlGJMWGi")

func (s *Static) AuthPlain(username, password string) error {
	hash, ok := s.users[normalizeUsername(username)]
	if !ok {
		bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func normalizeUsername(username string) string {
	norm, err := precis.UsernameCaseMapped.CompareKey(username)
	if err != nil {
		return username
	}
	return norm
}
