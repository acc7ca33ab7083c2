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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hashbrotherhood/hashmarket/internal/logging"
)

const (
	journalEntryPrefix    = "report_"
	journalFingerprintKey = "config_fingerprint"
	journalDrainBatch     = 100
)

// journalEntry is one spooled callback, replayed verbatim once the
// control plane answers again
type journalEntry struct {
	Kind   string     `json:"kind"`
	Params url.Values `json:"params"`
	At     time.Time  `json:"at"`
}

// Journal spools control-plane callbacks that could not be delivered. The
// spool is keyed to the control plane and region it was recorded against;
// a fingerprint change empties it rather than replaying telemetry at the
// wrong place.
type Journal struct {
	db     *badger.DB
	logger *slog.Logger
	seq    atomic.Uint64
}

func NewJournal(
	dir string,
	controlPlaneUrl string,
	region string,
) (*Journal, error) {
	badgerOpts := badger.DefaultOptions(dir).
		WithLogger(NewBadgerLogger()).
		// Badger chatters at INFO, keep it down to warnings
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		db:     db,
		logger: logging.GetLogger().With("component", "journal"),
	}
	if err := j.compareFingerprint(controlPlaneUrl, region); err != nil {
		db.Close()
		return nil, err
	}
	if err := j.loadSeq(); err != nil {
		db.Close()
		return nil, err
	}
	j.updateDepthMetric()
	return j, nil
}

func (j *Journal) compareFingerprint(
	controlPlaneUrl string,
	region string,
) error {
	fingerprint := fmt.Sprintf(
		"control_plane=%s,region=%s",
		controlPlaneUrl,
		region,
	)
	var stale bool
	err := j.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(journalFingerprintKey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return txn.Set(
					[]byte(journalFingerprintKey),
					[]byte(fingerprint),
				)
			}
			return err
		}
		return item.Value(func(v []byte) error {
			if string(v) != fingerprint {
				stale = true
			}
			return nil
		})
	})
	if err != nil {
		return err
	}
	if stale {
		// Spooled telemetry belongs to a different control plane; it is
		// worthless there and wrong here
		j.logger.Warn(
			"journal fingerprint mismatch, discarding spooled callbacks",
		)
		if err := j.db.DropAll(); err != nil {
			return err
		}
		return j.db.Update(func(txn *badger.Txn) error {
			return txn.Set(
				[]byte(journalFingerprintKey),
				[]byte(fingerprint),
			)
		})
	}
	return nil
}

// loadSeq seeds the append counter past any entries already on disk
func (j *Journal) loadSeq() error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(journalEntryPrefix)
		opts.Reverse = true
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		// Reverse iteration needs a seek key past the prefix range
		it.Seek([]byte(journalEntryPrefix + "~"))
		if it.ValidForPrefix([]byte(journalEntryPrefix)) {
			key := string(it.Item().Key())
			var seq uint64
			_, err := fmt.Sscanf(key, journalEntryPrefix+"%d", &seq)
			if err == nil {
				j.seq.Store(seq)
			}
		}
		return nil
	})
}

// Append spools one callback for later replay
func (j *Journal) Append(kind string, params url.Values) error {
	entry := journalEntry{
		Kind:   kind,
		Params: params,
		At:     time.Now().UTC(),
	}
	val, err := json.Marshal(&entry)
	if err != nil {
		return err
	}
	seq := j.seq.Add(1)
	key := fmt.Sprintf("%s%020d", journalEntryPrefix, seq)
	err = j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), val)
	})
	if err != nil {
		return err
	}
	metricCallbacksJournaled.Inc()
	j.updateDepthMetric()
	return nil
}

// Drain replays spooled callbacks oldest-first, deleting each on
// successful delivery. It stops at the first failure so ordering is
// preserved for the next attempt. Returns how many were delivered.
func (j *Journal) Drain(
	ctx context.Context,
	send func(ctx context.Context, kind string, params url.Values) error,
) (int, error) {
	delivered := 0
	for {
		keys, entries, err := j.nextBatch()
		if err != nil {
			return delivered, err
		}
		if len(keys) == 0 {
			break
		}
		for i, key := range keys {
			if err := ctx.Err(); err != nil {
				return delivered, err
			}
			if err := send(ctx, entries[i].Kind, entries[i].Params); err != nil {
				j.updateDepthMetric()
				return delivered, err
			}
			if err := j.delete(key); err != nil {
				return delivered, err
			}
			delivered++
		}
		if len(keys) < journalDrainBatch {
			break
		}
	}
	j.updateDepthMetric()
	return delivered, nil
}

func (j *Journal) nextBatch() ([]string, []journalEntry, error) {
	var keys []string
	var entries []journalEntry
	var corrupt []string
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(journalEntryPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid() && len(keys) < journalDrainBatch; it.Next() {
			item := it.Item()
			var entry journalEntry
			err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			})
			if err != nil {
				// A corrupt entry would wedge the spool
				j.logger.Warn(
					"dropping undecodable journal entry",
					"key", string(item.Key()),
				)
				corrupt = append(corrupt, string(item.Key()))
				continue
			}
			keys = append(keys, string(item.Key()))
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	for _, key := range corrupt {
		if err := j.delete(key); err != nil {
			return nil, nil, err
		}
	}
	return keys, entries, nil
}

func (j *Journal) delete(key string) error {
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Len reports how many callbacks are waiting for replay
func (j *Journal) Len() (int, error) {
	count := 0
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(journalEntryPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (j *Journal) updateDepthMetric() {
	if count, err := j.Len(); err == nil {
		metricJournalDepth.Set(float64(count))
	}
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// BadgerLogger adapts our slog logger to the interface badger wants
type BadgerLogger struct {
	logger *slog.Logger
}

func NewBadgerLogger() *BadgerLogger {
	return &BadgerLogger{
		logger: logging.GetLogger(),
	}
}

func (b *BadgerLogger) Infof(msg string, args ...any) {
	b.logger.Info(fmt.Sprintf(msg, args...))
}

func (b *BadgerLogger) Warningf(msg string, args ...any) {
	b.logger.Warn(fmt.Sprintf(msg, args...))
}

func (b *BadgerLogger) Debugf(msg string, args ...any) {
	b.logger.Debug(fmt.Sprintf(msg, args...))
}

func (b *BadgerLogger) Errorf(msg string, args ...any) {
	b.logger.Error(fmt.Sprintf(msg, args...))
}
