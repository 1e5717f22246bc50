package ipc

import (
	"encoding/json"
	"fmt"

	"trading_gate/exchange"
	"trading_gate/market"
	"trading_gate/proposal"
	"trading_gate/risk"
	"trading_gate/state"
)

// Response types.
const (
	TypePortfolio            = "Portfolio"
	TypeOrders               = "Orders"
	TypeFills                = "Fills"
	TypeMarketData           = "MarketData"
	TypeAccepted             = "Accepted"
	TypeRejected             = "Rejected"
	TypeCancelAcknowledged   = "CancelAcknowledged"
	TypeProposalAcknowledged = "ProposalAcknowledged"
	TypeError                = "Error"
)

// Cancel outcomes. Each is a defined result, never an error.
const (
	OutcomeCancelled        = "cancelled"
	OutcomeAlreadyCancelled = "already_cancelled"
	OutcomeAlreadyFilled    = "already_filled"
	OutcomeNotFound         = "not_found"
)

// Response is the envelope every answer travels in.
type Response struct {
	Type    string      `json:"response_type"`
	Payload interface{} `json:"payload"`
}

type Accepted struct {
	OrderID string             `json:"order_id"`
	Checks  []risk.CheckResult `json:"checks"`
}

type Rejected struct {
	Checks []risk.CheckResult `json:"checks"`
}

type CancelAcknowledged struct {
	OrderID string               `json:"order_id"`
	Outcome string               `json:"outcome"`
	Status  exchange.OrderStatus `json:"status,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func NewPortfolio(p state.PortfolioState) Response {
	return Response{Type: TypePortfolio, Payload: p}
}

func NewOrders(orders []exchange.Order) Response {
	if orders == nil {
		orders = []exchange.Order{}
	}
	return Response{Type: TypeOrders, Payload: orders}
}

func NewFills(fills []exchange.Fill) Response {
	if fills == nil {
		fills = []exchange.Fill{}
	}
	return Response{Type: TypeFills, Payload: fills}
}

func NewMarketData(st market.State) Response {
	return Response{Type: TypeMarketData, Payload: st}
}

func NewAccepted(orderID string, checks []risk.CheckResult) Response {
	return Response{Type: TypeAccepted, Payload: Accepted{OrderID: orderID, Checks: nonNil(checks)}}
}

func NewRejected(checks []risk.CheckResult) Response {
	return Response{Type: TypeRejected, Payload: Rejected{Checks: nonNil(checks)}}
}

func NewCancelAcknowledged(orderID, outcome string, status exchange.OrderStatus) Response {
	return Response{Type: TypeCancelAcknowledged, Payload: CancelAcknowledged{OrderID: orderID, Outcome: outcome, Status: status}}
}

func NewProposalAcknowledged(ack proposal.Ack) Response {
	return Response{Type: TypeProposalAcknowledged, Payload: ack}
}

func NewError(format string, args ...interface{}) Response {
	return Response{Type: TypeError, Payload: ErrorPayload{Message: fmt.Sprintf(format, args...)}}
}

func nonNil(checks []risk.CheckResult) []risk.CheckResult {
	if checks == nil {
		return []risk.CheckResult{}
	}
	return checks
}

// RawResponse is a response as seen by a client, with the payload left
// encoded until the caller knows what to decode it into.
type RawResponse struct {
	Type    string          `json:"response_type"`
	Payload json.RawMessage `json:"payload"`
}

// Into decodes the payload into v.
func (r RawResponse) Into(v interface{}) error {
	return json.Unmarshal(r.Payload, v)
}

// Err returns the message of an Error response, or nil.
func (r RawResponse) Err() error {
	if r.Type != TypeError {
		return nil
	}
	var p ErrorPayload
	if err := r.Into(&p); err != nil {
		return fmt.Errorf("gate error (undecodable): %s", string(r.Payload))
	}
	return fmt.Errorf("gate error: %s", p.Message)
}
