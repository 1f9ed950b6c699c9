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
	"fmt"
	"net"

	"github.com/emersion/go-sasl"
	dovecotsasl "github.com/foxcpp/go-dovecot-sasl"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/exterrors"
	"github.com/transilvlad/robin-sub003/framework/log"
)

// DovecotSASL delegates credential checks to a Dovecot authentication
// service over its SASL protocol.
type DovecotSASL struct {
	log log.Logger

	network string
	addr    string

	mechanisms map[string]dovecotsasl.Mechanism
}

// NewDovecotSASL probes the endpoint once to learn the offered mechanisms.
func NewDovecotSASL(endpoint string, logger log.Logger) (*DovecotSASL, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("auth: dovecot backend requires dovecot.saslEndpoint")
	}
	endp, err := config.ParseEndpoint(endpoint)
	if err != nil {
		return nil, fmt.Errorf("auth: invalid SASL endpoint: %w", err)
	}

	a := &DovecotSASL{
		log:     logger,
		network: endp.Network(),
		addr:    endp.Address(),
	}

	cl, err := a.getConn()
	if err != nil {
		return nil, err
	}
	defer cl.Close()

	a.mechanisms = make(map[string]dovecotsasl.Mechanism, len(cl.ConnInfo().Mechs))
	for name, mech := range cl.ConnInfo().Mechs {
		if mech.Private {
			continue
		}
		a.mechanisms[name] = mech
	}

	return a, nil
}

func (a *DovecotSASL) getConn() (*dovecotsasl.Client, error) {
	// TODO: connection pooling, the way the LMTP path does it
	conn, err := net.Dial(a.network, a.addr)
	if err != nil {
		return nil, fmt.Errorf("auth: unable to contact SASL server: %v", err)
	}

	cl, err := dovecotsasl.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("auth: unable to contact SASL server: %v", err)
	}

	return cl, nil
}

func (a *DovecotSASL) AuthPlain(username, password string) error {
	if _, ok := a.mechanisms[sasl.Plain]; ok {
		cl, err := a.getConn()
		if err != nil {
			return exterrors.WithTemporary(err, true)
		}
		defer cl.Close()

		// The service being "SMTP" is the closest we can claim; the real
		// client connection details are not available here.
		return cl.Do("SMTP", sasl.NewPlainClient("", username, password),
			dovecotsasl.Secured, dovecotsasl.NoPenalty)
	}
	if _, ok := a.mechanisms[sasl.Login]; ok {
		cl, err := a.getConn()
		if err != nil {
			return exterrors.WithTemporary(err, true)
		}
		defer cl.Close()

		return cl.Do("SMTP", sasl.NewLoginClient(username, password),
			dovecotsasl.Secured, dovecotsasl.NoPenalty)
	}

	return ErrUnsupportedMech
}
