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

// Package extension contains the process-wide SMTP verb registry.
//
// Every verb (HELO, MAIL, BDAT, ...) is served by a pair of handlers: the
// server half runs inside inbound sessions, the client half drives the
// same verb on outbound connections. Halves are registered independently,
// usually from init() of the package implementing them, and looked up at
// dispatch time. The registry deliberately stores untyped values: the
// endpoint and the outbound connection assert their own handler interfaces,
// so the two sides do not have to import each other.
//
// Registration carries a priority; a verb already claimed with a lower
// priority value is not replaced. Equal priority replaces, which is how
// tests install doubles and plugins override stock verbs.
package extension

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// DefaultPriority is used by the stock verb implementations. Plugins that
// want to win over them register with a smaller value.
const DefaultPriority = 100

type half struct {
	priority int
	impl     any
}

type binding struct {
	server *half
	client *half
}

var (
	mu    sync.RWMutex
	verbs = map[string]*binding{}
)

func register(verb string, prio int, impl any, server bool) {
	if impl == nil {
		panic("extension: nil handler registered for " + verb)
	}
	verb = strings.ToUpper(verb)

	mu.Lock()
	defer mu.Unlock()

	b := verbs[verb]
	if b == nil {
		b = &binding{}
		verbs[verb] = b
	}

	slot := &b.server
	if !server {
		slot = &b.client
	}
	if *slot != nil && (*slot).priority < prio {
		return
	}
	*slot = &half{priority: prio, impl: impl}
}

// RegisterServer installs the inbound handler for verb.
func RegisterServer(verb string, prio int, impl any) {
	register(verb, prio, impl, true)
}

// RegisterClient installs the outbound handler for verb.
func RegisterClient(verb string, prio int, impl any) {
	register(verb, prio, impl, false)
}

// Server returns the inbound handler for verb. The second return is false
// when the verb is not known at all; a known verb with a missing server
// half is an error since the configuration asked for something the build
// cannot do.
func Server(verb string) (any, bool, error) {
	mu.RLock()
	defer mu.RUnlock()

	b := verbs[strings.ToUpper(verb)]
	if b == nil {
		return nil, false, nil
	}
	if b.server == nil {
		return nil, true, fmt.Errorf("extension: verb %s has no server handler", verb)
	}
	return b.server.impl, true, nil
}

// Client returns the outbound handler for verb, failing when it was never
// registered.
func Client(verb string) (any, error) {
	mu.RLock()
	defer mu.RUnlock()

	b := verbs[strings.ToUpper(verb)]
	if b == nil || b.client == nil {
		return nil, fmt.Errorf("extension: verb %s has no client handler", verb)
	}
	return b.client.impl, nil
}

// Verbs returns the sorted list of registered verb names. Used by HELP.
func Verbs() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(verbs))
	for v := range verbs {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Swap replaces both halves of a verb and returns a function restoring the
// previous state. Meant for tests.
func Swap(verb string, server, client any) (restore func()) {
	verb = strings.ToUpper(verb)

	mu.Lock()
	old := verbs[verb]
	b := &binding{}
	if server != nil {
		b.server = &half{priority: DefaultPriority, impl: server}
	}
	if client != nil {
		b.client = &half{priority: DefaultPriority, impl: client}
	}
	verbs[verb] = b
	mu.Unlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		if old == nil {
			delete(verbs, verb)
			return
		}
		verbs[verb] = old
	}
}
