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

package tracker

import "github.com/prometheus/client_golang/prometheus"

var (
	rejectedConns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "dos",
			Name:      "rejected_connections",
			Help:      "Connections closed before the greeting by admission control",
		},
		[]string{"reason"},
	)
	tarpitDelays = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "dos",
			Name:      "tarpit_delays",
			Help:      "Commands stalled by the command-rate tarpit",
		},
	)
	tarpitKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "dos",
			Name:      "tarpit_kills",
			Help:      "Sessions terminated after repeated command-rate violations",
		},
	)
	dataRateAborts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "dos",
			Name:      "data_rate_aborts",
			Help:      "DATA transfers aborted for dropping below the rate floor",
		},
	)
	trackedIPs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "robin",
			Subsystem: "dos",
			Name:      "tracked_ips",
			Help:      "Source IPs currently held by the connection tracker",
		},
	)
)

func init() {
	prometheus.MustRegister(rejectedConns)
	prometheus.MustRegister(tarpitDelays)
	prometheus.MustRegister(tarpitKills)
	prometheus.MustRegister(dataRateAborts)
	prometheus.MustRegister(trackedIPs)
}
