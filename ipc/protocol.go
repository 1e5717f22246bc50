// Package ipc is the gate's only boundary to the agent: newline-delimited
// JSON over a Unix domain socket, with a closed set of request variants.
// Nothing outside the enumeration below can be expressed on the wire.
package ipc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"trading_gate/exchange"
	"trading_gate/proposal"
	"trading_gate/risk"
)

var (
	// ErrUnknownRequest is returned for a request_type outside the enumeration.
	ErrUnknownRequest = errors.New("unknown request type")
	// ErrMalformedRequest covers undecodable or non-conforming payloads.
	ErrMalformedRequest = errors.New("malformed request")
)

// Request is one of the variants below.
type Request interface {
	RequestType() string
}

type GetPortfolio struct{}

type GetOpenOrders struct{}

// GetFillHistory asks for fills at or after Since (RFC 3339).
type GetFillHistory struct {
	Since string `json:"since"`
}

type GetMarketData struct {
	Symbol string `json:"symbol"`
}

// SubmitOrder is always run through the full check pipeline.
type SubmitOrder struct {
	Strategy     string             `json:"strategy"`
	Symbol       string             `json:"symbol"`
	Side         exchange.Side      `json:"side"`
	Size         float64            `json:"size"`
	OrderType    exchange.OrderType `json:"order_type"`
	Price        *float64           `json:"price,omitempty"`
	StopPrice    *float64           `json:"stop_price,omitempty"`
	ThesisRef    string             `json:"thesis_ref"`
	PlannedEntry float64            `json:"planned_entry"`
	PlannedStop  float64            `json:"planned_stop"`
}

type CancelOrder struct {
	OrderID string `json:"order_id"`
}

// TightenStop can only ever move a stop closer to the market.
type TightenStop struct {
	OrderID string  `json:"order_id"`
	NewStop float64 `json:"new_stop"`
}

type ProposeRule struct {
	Proposal proposal.Proposal `json:"proposal"`
}

func (GetPortfolio) RequestType() string   { return "GetPortfolio" }
func (GetOpenOrders) RequestType() string  { return "GetOpenOrders" }
func (GetFillHistory) RequestType() string { return "GetFillHistory" }
func (GetMarketData) RequestType() string  { return "GetMarketData" }
func (SubmitOrder) RequestType() string    { return "SubmitOrder" }
func (CancelOrder) RequestType() string    { return "CancelOrder" }
func (TightenStop) RequestType() string    { return "TightenStop" }
func (ProposeRule) RequestType() string    { return "ProposeRule" }

// Intent converts the wire order to the pipeline's input.
func (s SubmitOrder) Intent() risk.OrderIntent {
	return risk.OrderIntent{
		Strategy:     s.Strategy,
		Symbol:       s.Symbol,
		Side:         s.Side,
		Size:         s.Size,
		OrderType:    s.OrderType,
		Price:        s.Price,
		StopPrice:    s.StopPrice,
		ThesisRef:    s.ThesisRef,
		PlannedEntry: s.PlannedEntry,
		PlannedStop:  s.PlannedStop,
	}
}

// variants maps each request_type to a constructor for its payload.
var variants = map[string]func() Request{
	"GetPortfolio":   func() Request { return &GetPortfolio{} },
	"GetOpenOrders":  func() Request { return &GetOpenOrders{} },
	"GetFillHistory": func() Request { return &GetFillHistory{} },
	"GetMarketData":  func() Request { return &GetMarketData{} },
	"SubmitOrder":    func() Request { return &SubmitOrder{} },
	"CancelOrder":    func() Request { return &CancelOrder{} },
	"TightenStop":    func() Request { return &TightenStop{} },
	"ProposeRule":    func() Request { return &ProposeRule{} },
}

const typeKey = "request_type"

// DecodeRequest parses one request line. Decoding is strict: unknown
// variants, unknown fields and trailing data are all errors.
func DecodeRequest(line []byte) (Request, error) {
	var fields map[string]json.RawMessage
	if err := strictDecode(line, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	rawType, ok := fields[typeKey]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedRequest, typeKey)
	}
	var name string
	if err := json.Unmarshal(rawType, &name); err != nil {
		return nil, fmt.Errorf("%w: %s must be a string", ErrMalformedRequest, typeKey)
	}
	newReq, ok := variants[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequest, name)
	}
	delete(fields, typeKey)

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	req := newReq()
	if err := strictDecode(body, req); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedRequest, name, err)
	}
	return deref(req), nil
}

func strictDecode(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after request")
	}
	return nil
}

// deref returns variants by value so handlers can type-switch on them.
func deref(r Request) Request {
	switch v := r.(type) {
	case *GetPortfolio:
		return *v
	case *GetOpenOrders:
		return *v
	case *GetFillHistory:
		return *v
	case *GetMarketData:
		return *v
	case *SubmitOrder:
		return *v
	case *CancelOrder:
		return *v
	case *TightenStop:
		return *v
	case *ProposeRule:
		return *v
	}
	return r
}

// EncodeRequest renders req as one wire line without the trailing newline.
// Keys are sorted, so the encoding is stable.
func EncodeRequest(req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	name, err := json.Marshal(req.RequestType())
	if err != nil {
		return nil, err
	}
	fields[typeKey] = name
	return json.Marshal(fields)
}
