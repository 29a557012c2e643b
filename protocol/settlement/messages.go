// Package settlement implements the collaborative-settlement protocol:
// negotiate a signed transaction spending the lock output directly to
// a quoted price, skipping the commit/CET path entirely.
package settlement

import "github.com/cfdnet/cfdd/cfdwire"

// Propose is the taker's request to close at a quoted price; only the
// taker ever initiates.
type Propose struct {
	OrderId             string `json:"order_id"`
	Bid                 int64  `json:"bid"`
	Ask                 int64  `json:"ask"`
	QuoteTimestamp      int64  `json:"quote_timestamp"`
	ProposedMakerOutput int64  `json:"proposed_maker_output"`
	ProposedTakerOutput int64  `json:"proposed_taker_output"`
}

func (Propose) MsgType() cfdwire.MessageType { return cfdwire.TypeSettlementPropose }

// Decision is the maker's single reply: accept or reject, following the
// same one-message-two-variants shape rollover.Decision uses.
type Decision struct {
	OrderId string `json:"order_id"`
	Reject  bool   `json:"reject"`
	Reason  string `json:"reason,omitempty"`
}

func (Decision) MsgType() cfdwire.MessageType { return cfdwire.TypeSettlementDecision }

// Msg0 carries the taker's signature on the agreed settlement
// transaction.
type Msg0 struct {
	Sig []byte `json:"sig"`
}

func (Msg0) MsgType() cfdwire.MessageType { return cfdwire.TypeSettlementMsg0 }

// Msg1 carries the maker's signature, completing the exchange.
type Msg1 struct {
	Sig []byte `json:"sig"`
}

func (Msg1) MsgType() cfdwire.MessageType { return cfdwire.TypeSettlementMsg1 }
