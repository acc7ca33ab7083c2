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

package order

import "errors"

var (
	ErrOrderNotFound       = errors.New("order not found")
	ErrBuyerBanned         = errors.New("buyer is banned")
	ErrSelfOrder           = errors.New("cannot rent your own listing")
	ErrHoursOutOfRange     = errors.New("hours outside the listing window")
	ErrInvalidTransition   = errors.New("order state does not allow this")
	ErrOrderTerminal       = errors.New("order already settled")
	ErrInvalidAction       = errors.New("unknown admin action")
	ErrInvalidPercent      = errors.New("percent must be between 0 and 100")
	ErrInvalidReason       = errors.New("unknown dispute reason")
	ErrInvalidResolution   = errors.New("unknown dispute resolution")
	ErrInvalidOutcome      = errors.New("unknown share outcome")
	ErrInvalidPool         = errors.New("invalid pool destination")
	ErrNotParticipant      = errors.New("wallet is not a party to this order")
	ErrDisputeNotFound     = errors.New("dispute not found")
	ErrDisputeInvalidState = errors.New("dispute is not open")
)
