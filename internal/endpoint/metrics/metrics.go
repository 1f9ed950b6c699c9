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

// Package metrics exposes the process collectors in the Prometheus
// text format. Collectors themselves live next to the code they
// observe; this endpoint only serves the default registry.
package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/transilvlad/robin-sub003/framework/config"
	"github.com/transilvlad/robin-sub003/framework/log"
)

type Endpoint struct {
	addr string
	lis  net.Listener

	serv       http.Server
	listenerWg sync.WaitGroup

	Log log.Logger
}

func New(cfg config.Metrics, logger log.Logger) *Endpoint {
	e := &Endpoint{
		addr: cfg.Address,
		Log:  logger,
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	e.serv.Handler = mux
	return e
}

// Start binds the exposition listener. Serving happens on a background
// goroutine; Close shuts it down.
func (e *Endpoint) Start() error {
	l, err := net.Listen("tcp", e.addr)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", e.addr, err)
	}
	e.lis = l

	e.listenerWg.Add(1)
	go func() {
		defer e.listenerWg.Done()
		e.Log.Msg("listening", "addr", l.Addr().String())
		if err := e.serv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Log.Error("serve failed", err, "addr", e.addr)
		}
	}()
	return nil
}

// Addr is the bound listener address, nil before Start. Useful when
// the configured address carries port 0.
func (e *Endpoint) Addr() net.Addr {
	if e.lis == nil {
		return nil
	}
	return e.lis.Addr()
}

func (e *Endpoint) Close() error {
	if err := e.serv.Close(); err != nil {
		return err
	}
	e.listenerWg.Wait()
	return nil
}
