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

import (
	"github.com/hashbrotherhood/hashmarket/internal/ledger"
)

// Admin actions on a terminal review or dispute
const (
	ActionApprove = "approve"
	ActionReject  = "reject"
	ActionPartial = "partial"
)

// Dispute resolutions; the first three map onto admin actions, cancelled
// dismisses the dispute and sends the order back to review
const (
	ResolutionFullRefund = "full_refund"
	ResolutionFullPayout = "full_payout"
	ResolutionPartial    = "partial"
	ResolutionCancelled  = "cancelled"
)

// Settlement is the computed split of one order's escrow hold. Payout plus
// refund always equals the buyer's total payment; commission is carved out
// of the payout on its way to the seller.
type Settlement struct {
	Action     string
	Percent    int
	Payout     ledger.Amount
	Refund     ledger.Amount
	Commission ledger.Amount
}

// ComputeSettlement derives the settlement amounts for an admin action.
// Approve and reject are partial at 100 and 0 percent; the three actions
// share one formula so the ledger rows always balance:
//
//	payout     = round(subtotal × percent / 100)
//	commission = round(payout × 0.03)
//	refund     = total_paid − payout
//
// Rounding is half to even, matching the commission charged at creation.
func ComputeSettlement(
	action string,
	percent int,
	subtotal ledger.Amount,
	totalPaid ledger.Amount,
) (*Settlement, error) {
	switch action {
	case ActionApprove:
		percent = 100
	case ActionReject:
		percent = 0
	case ActionPartial:
		if percent < 0 || percent > 100 {
			return nil, ErrInvalidPercent
		}
	default:
		return nil, ErrInvalidAction
	}
	payout, err := subtotal.MulRatio(int64(percent), 100)
	if err != nil {
		return nil, err
	}
	commission, err := ledger.CommissionOn(payout)
	if err != nil {
		return nil, err
	}
	return &Settlement{
		Action:     action,
		Percent:    percent,
		Payout:     payout,
		Refund:     totalPaid - payout,
		Commission: commission,
	}, nil
}

// ActionForResolution maps a dispute resolution to the admin action that
// settles the order. Cancelled has no settlement action.
func ActionForResolution(resolution string) (string, bool) {
	switch resolution {
	case ResolutionFullPayout:
		return ActionApprove, true
	case ResolutionFullRefund:
		return ActionReject, true
	case ResolutionPartial:
		return ActionPartial, true
	}
	return "", false
}
