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

package smtp

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "sessions_active",
			Help:      "Number of sessions currently being served",
		},
	)
	startedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "started_transactions",
			Help:      "Number of transactions started (MAIL FROM accepted)",
		},
		[]string{"mode"},
	)
	completedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "completed_transactions",
			Help:      "Number of transactions whose message was accepted",
		},
		[]string{"mode"},
	)
	abortedTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "aborted_transactions",
			Help:      "Number of transactions dropped before completion",
		},
		[]string{"mode"},
	)
	failedCmds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "failed_commands",
			Help:      "Number of commands answered with a negative reply",
		},
		[]string{"command", "smtp_code"},
	)
	failedLogins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "failed_logins",
			Help:      "Number of AUTH exchanges that did not authenticate",
		},
	)
	errorBudgetKills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "error_budget_kills",
			Help:      "Number of sessions ended after too many malformed commands",
		},
	)
	webhookOverrides = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "webhook_overrides",
			Help:      "Number of command replies supplied by a webhook",
		},
		[]string{"verb"},
	)
	webhookFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "robin",
			Subsystem: "smtp",
			Name:      "webhook_failures",
			Help:      "Number of webhook calls that failed or returned non-2xx",
		},
		[]string{"verb"},
	)
)

func init() {
	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(startedTransactions)
	prometheus.MustRegister(completedTransactions)
	prometheus.MustRegister(abortedTransactions)
	prometheus.MustRegister(failedCmds)
	prometheus.MustRegister(failedLogins)
	prometheus.MustRegister(errorBudgetKills)
	prometheus.MustRegister(webhookOverrides)
	prometheus.MustRegister(webhookFailures)
}
