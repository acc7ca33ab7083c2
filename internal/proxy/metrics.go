// Copyright 2026 HashBrotherhood Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hashmarket_proxy_sessions_active",
		Help: "Miner sessions currently relaying",
	})
	metricSessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hashmarket_proxy_sessions_total",
		Help: "Miner connections accepted since start",
	})
	metricSessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hashmarket_proxy_sessions_rejected_total",
		Help: "Miner connections rejected at handshake",
	})
	metricSharesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hashmarket_proxy_shares_total",
		Help: "Shares relayed, by outcome",
	}, []string{"outcome"})
	metricPoolDialFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hashmarket_proxy_pool_dial_failures_total",
		Help: "Destination pool connections that could not be opened",
	})
	metricCallbacksJournaled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hashmarket_proxy_callbacks_journaled_total",
		Help: "Control-plane callbacks spooled for later replay",
	})
	metricCallbacksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hashmarket_proxy_callbacks_dropped_total",
		Help: "Control-plane callbacks lost with no journal configured",
	})
	metricJournalDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hashmarket_proxy_journal_entries",
		Help: "Callbacks waiting in the replay journal",
	})
)
