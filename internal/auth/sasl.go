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

package auth

import (
	"net"

	"github.com/emersion/go-sasl"
	"golang.org/x/text/secure/precis"

	"github.com/transilvlad/robin-sub003/framework/log"
)

// SASLServer builds sasl.Server instances backed by an Authenticator. Used
// by the AUTH verb to run the challenge/response exchange.
type SASLServer struct {
	Log  log.Logger
	Auth Authenticator
}

// Mechanisms lists the offered SASL mechanism names, in advertisement
// order.
func (s *SASLServer) Mechanisms() []string {
	return []string{sasl.Plain, sasl.Login}
}

// Create returns the server for mech, or nil for an unknown mechanism.
// successCb receives the authenticated username; its error fails the
// exchange.
func (s *SASLServer) Create(mech string, remoteAddr net.Addr, successCb func(username string) error) sasl.Server {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && !precis.UsernameCaseMapped.Compare(identity, username) {
				s.Log.Msg("refused foreign authorization identity",
					"username", username, "identity", identity, "src_addr", remoteAddr)
				return ErrInvalidCredentials
			}
			if err := s.Auth.AuthPlain(username, password); err != nil {
				s.Log.Error("authentication failed", err,
					"username", username, "src_addr", remoteAddr)
				return ErrInvalidCredentials
			}
			return successCb(username)
		})
	case sasl.Login:
		return sasl.NewLoginServer(func(username, password string) error {
			if err := s.Auth.AuthPlain(username, password); err != nil {
				s.Log.Error("authentication failed", err,
					"username", username, "src_addr", remoteAddr)
				return ErrInvalidCredentials
			}
			return successCb(username)
		})
	default:
		return nil
	}
}
