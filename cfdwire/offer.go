package cfdwire

// Offer protocol: a taker opens an offer substream to take one of the
// maker's posted offers; the maker answers with a decision and, on
// acceptance, both sides run contract setup over the same substream.
const (
	TypeTakeOrder     MessageType = "offer/take-order"
	TypeOrderDecision MessageType = "offer/decision"
)

// TakeOrder carries the terms the taker is committing to. The order id
// is minted by the taker; everything else restates the maker's offer so
// the maker can check the taker isn't taking terms it never posted.
type TakeOrder struct {
	OrderId           string `json:"order_id"`
	Position          int    `json:"position"`
	Price             int64  `json:"price"`
	Quantity          int64  `json:"quantity"`
	LongLeverage      uint8  `json:"long_leverage"`
	ShortLeverage     uint8  `json:"short_leverage"`
	OpeningFee        int64  `json:"opening_fee"`
	FundingRate       int64  `json:"funding_rate"`
	TxFeeRate         uint32 `json:"tx_fee_rate"`
	SettlementEventId string `json:"settlement_event_id"`
	MakerMargin       int64  `json:"maker_margin"`
	TakerMargin       int64  `json:"taker_margin"`
	RefundTimelock    uint32 `json:"refund_timelock"`
}

func (TakeOrder) MsgType() MessageType { return TypeTakeOrder }

// OrderDecision is the maker's answer to a TakeOrder. On Accepted both
// sides proceed straight into the setup protocol's Msg0 on this same
// substream.
type OrderDecision struct {
	OrderId  string `json:"order_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func (OrderDecision) MsgType() MessageType { return TypeOrderDecision }
