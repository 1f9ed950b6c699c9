//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

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

package robincli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/transilvlad/robin-sub003/framework/hooks"
	"github.com/transilvlad/robin-sub003/framework/log"
)

// handleSignals blocks until a signal that corresponds to program
// termination (SIGTERM, SIGINT) arrives.
//
// SIGHUP reloads the configuration and SIGUSR1 reopens the log output,
// both without returning.
func handleSignals(configPath string, srv *server) os.Signal {
	sig := make(chan os.Signal, 5)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)

	for {
		switch s := <-sig; s {
		case syscall.SIGUSR1:
			log.Println("SIGUSR1 received, reopening log output")
			reinitLogging()
			hooks.RunHooks(hooks.EventLogRotate)
		case syscall.SIGHUP:
			log.Println("SIGHUP received, reloading configuration")
			reloadConfig(configPath, srv)
		default:
			go func() {
				for s := range sig {
					if s == syscall.SIGUSR1 {
						continue
					}
					log.Printf("forced shutdown due to signal (%v)!", s)
					os.Exit(1)
				}
			}()

			log.Printf("signal received (%v), next signal will force immediate shutdown.", s)
			return s
		}
	}
}
