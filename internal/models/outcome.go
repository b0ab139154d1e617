// Copyright (c) 2026 John Earle
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

package models

// BounceType is the severity derived for a bounce notice.
type BounceType string

const (
	HardBounce    BounceType = "hard_bounce"
	SoftBounce    BounceType = "soft_bounce"
	UnknownBounce BounceType = "unknown"
)

// BounceClassification annotates an inbound email. Type is empty when the
// message is not a bounce.
type BounceClassification struct {
	IsBounce        bool       `json:"is_bounce"`
	Type            BounceType `json:"bounce_type,omitempty"`
	Reason          string     `json:"bounce_reason,omitempty"`
	FailedRecipient string     `json:"failed_recipient,omitempty"`
}

// OutcomeKind is the terminal state of one inbound request. The values double
// as the delivery ledger status column.
type OutcomeKind string

const (
	OutcomeForwarded OutcomeKind = "forwarded"
	OutcomeRejected  OutcomeKind = "rejected"
	OutcomeBounced   OutcomeKind = "bounced"
	OutcomeIgnored   OutcomeKind = "ignored"
	OutcomePending   OutcomeKind = "pending"
)

// Reasons carried by rejected and ignored outcomes.
const (
	ReasonAliasNotFound     = "alias_not_found"
	ReasonNoTargetEmail     = "no_target_email"
	ReasonTargetNotVerified = "target_email_not_verified"
	ReasonDuplicateMessage  = "duplicate_message"
)

// Outcome is the tagged result of processing one webhook. Only the fields
// belonging to Kind are set.
type Outcome struct {
	Kind   OutcomeKind
	Target string
	Reason string
	Bounce *BounceClassification
	Err    error
}

func Forwarded(target string) Outcome {
	return Outcome{Kind: OutcomeForwarded, Target: target}
}

func Rejected(reason string) Outcome {
	return Outcome{Kind: OutcomeRejected, Reason: reason}
}

func Bounced(c BounceClassification) Outcome {
	return Outcome{Kind: OutcomeBounced, Bounce: &c}
}

func Ignored(reason string) Outcome {
	return Outcome{Kind: OutcomeIgnored, Reason: reason}
}

func Pending(err error) Outcome {
	return Outcome{Kind: OutcomePending, Err: err}
}
