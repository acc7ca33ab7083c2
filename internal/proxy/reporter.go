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
	"time"
)

const journalDrainInterval = time.Minute

// reportLoop drives the periodic hashrate snapshots for every live
// session and replays spooled callbacks. Draining retries more eagerly
// than the report cadence so a short control plane outage does not hold
// telemetry for a full reporting period.
func (srv *Server) reportLoop() {
	interval := time.Duration(srv.cfg.Proxy.ReportInterval) * time.Second
	if interval <= 0 {
		interval = 300 * time.Second
	}
	reportTicker := time.NewTicker(interval)
	defer reportTicker.Stop()
	drainTicker := time.NewTicker(journalDrainInterval)
	defer drainTicker.Stop()
	for {
		select {
		case <-srv.baseCtx.Done():
			return
		case <-reportTicker.C:
			for _, sess := range srv.liveSessions() {
				sess.reportHashrate()
			}
		case <-drainTicker.C:
			srv.drainJournal()
		}
	}
}

func (srv *Server) drainJournal() {
	if srv.journal == nil {
		return
	}
	n, err := srv.journal.Drain(srv.baseCtx, srv.client.Post)
	if err != nil {
		if n > 0 {
			srv.logger.Info(
				"journal partially drained",
				"delivered", n,
				"error", err,
			)
		}
		return
	}
	if n > 0 {
		srv.logger.Info("journal drained", "delivered", n)
	}
}
