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

package proc

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "proc",
			Name:      "messages_total",
			Help:      "Messages leaving the storage pipeline by outcome",
		},
		[]string{"result"},
	)
	virusRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "proc",
			Name:      "virus_rejected_total",
			Help:      "Messages rejected for carrying a virus",
		},
	)
	spamRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "proc",
			Name:      "spam_rejected_total",
			Help:      "Messages rejected for exceeding the spam score threshold",
		},
	)
	discardedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "proc",
			Name:      "discarded_total",
			Help:      "Messages silently dropped, by the processor that decided it",
		},
		[]string{"processor"},
	)
	scanErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "proc",
			Name:      "scan_errors_total",
			Help:      "Scanner calls that failed before reaching a verdict",
		},
		[]string{"scanner"},
	)
)

func init() {
	prometheus.MustRegister(messagesTotal)
	prometheus.MustRegister(virusRejected)
	prometheus.MustRegister(spamRejected)
	prometheus.MustRegister(discardedTotal)
	prometheus.MustRegister(scanErrors)
}
