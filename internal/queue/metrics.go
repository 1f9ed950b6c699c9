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

package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	queuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "queue",
			Name:      "sessions_queued",
			Help:      "Relay sessions accepted into the persistent queue",
		},
	)
	deliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "queue",
			Name:      "sessions_delivered",
			Help:      "Sessions that left the queue with every recipient delivered",
		},
	)
	retriedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "queue",
			Name:      "sessions_retried",
			Help:      "Sessions re-queued after a failed attempt",
		},
	)
	expiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "queue",
			Name:      "sessions_expired",
			Help:      "Sessions dropped with recipients still failing after the retry budget",
		},
	)
	bouncedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "queue",
			Name:      "bounces_generated",
			Help:      "Non-delivery reports generated and queued",
		},
	)
	brokenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "queue",
			Name:      "entries_parked",
			Help:      "Undecodable or panicking entries moved aside as .broken files",
		},
	)
	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "robin",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Sessions currently waiting in the queue",
		},
	)
)

func init() {
	prometheus.MustRegister(queuedTotal)
	prometheus.MustRegister(deliveredTotal)
	prometheus.MustRegister(retriedTotal)
	prometheus.MustRegister(expiredTotal)
	prometheus.MustRegister(bouncedTotal)
	prometheus.MustRegister(brokenTotal)
	prometheus.MustRegister(queueDepth)
}
