// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package orders holds the payloads exchanged on the order flow queues.
package orders

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Errors.
var (
	ErrUnknownClass = errors.New("unknown queue class")
	ErrInvalid      = errors.New("invalid message")
)

// Class names a queue of the order flow. The class name is the queue name.
type Class string

// Queue classes.
const (
	ClassOrder         Class = "order"
	ClassOrderConfirm  Class = "order_confirm"
	ClassCancel        Class = "cancel"
	ClassCancelConfirm Class = "cancel_confirm"
	ClassFill          Class = "fill"
)

// Classes lists every known queue class.
var Classes = []Class{ClassOrder, ClassOrderConfirm, ClassCancel, ClassCancelConfirm, ClassFill}

// ParseClass maps a queue name to its class.
func ParseClass(s string) (Class, error) {
	for _, c := range Classes {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownClass, s)
}

func (c Class) String() string {
	return string(c)
}

// Side of a binary market contract.
type Side string

// Sides.
const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Action on a contract.
type Action string

// Actions.
const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

// Order types.
const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// Payload is implemented by every queue message.
type Payload interface {
	Class() Class
	Validate() error
}

// CreateOrder asks for a new order to be placed.
type CreateOrder struct {
	Action            Action    `json:"action"`
	ClientOrderID     string    `json:"client_order_id"`
	Count             int32     `json:"count"`
	Side              Side      `json:"side"`
	Ticker            string    `json:"ticker"`
	Type              OrderType `json:"input_type"`
	BuyMaxCost        *int64    `json:"buy_max_cost,omitempty"`
	ExpirationTS      *int64    `json:"expiration_ts,omitempty"`
	NoPrice           *int64    `json:"no_price,omitempty"`
	SellPositionFloor *int32    `json:"sell_position_floor,omitempty"`
	YesPrice          *int64    `json:"yes_price,omitempty"`
}

func (CreateOrder) Class() Class { return ClassOrder }

// Validate checks required fields.
func (o CreateOrder) Validate() error {
	switch {
	case o.ClientOrderID == "":
		return fmt.Errorf("%w: missing client_order_id", ErrInvalid)
	case o.Ticker == "":
		return fmt.Errorf("%w: missing ticker", ErrInvalid)
	case o.Count <= 0:
		return fmt.Errorf("%w: count must be positive", ErrInvalid)
	case o.Side != SideYes && o.Side != SideNo:
		return fmt.Errorf("%w: side %q", ErrInvalid, o.Side)
	case o.Action != ActionBuy && o.Action != ActionSell:
		return fmt.Errorf("%w: action %q", ErrInvalid, o.Action)
	case o.Type == OrderLimit && o.YesPrice == nil && o.NoPrice == nil:
		return fmt.Errorf("%w: limit order without price", ErrInvalid)
	case o.Type != OrderMarket && o.Type != OrderLimit:
		return fmt.Errorf("%w: input_type %q", ErrInvalid, o.Type)
	}
	return nil
}

// OrderConfirm acknowledges that the exchange accepted an order.
type OrderConfirm struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

func (OrderConfirm) Class() Class { return ClassOrderConfirm }

// Validate checks required fields.
func (o OrderConfirm) Validate() error {
	if o.OrderID == "" {
		return fmt.Errorf("%w: missing order_id", ErrInvalid)
	}
	return nil
}

// CancelOrder asks for a resting order to be cancelled.
type CancelOrder struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
}

func (CancelOrder) Class() Class { return ClassCancel }

// Validate checks required fields.
func (o CancelOrder) Validate() error {
	if o.OrderID == "" {
		return fmt.Errorf("%w: missing order_id", ErrInvalid)
	}
	return nil
}

// CancelConfirm acknowledges a cancellation.
type CancelConfirm struct {
	OrderID       string `json:"order_id"`
	ClientOrderID string `json:"client_order_id"`
}

func (CancelConfirm) Class() Class { return ClassCancelConfirm }

// Validate checks required fields.
func (o CancelConfirm) Validate() error {
	if o.OrderID == "" {
		return fmt.Errorf("%w: missing order_id", ErrInvalid)
	}
	return nil
}

// Fill reports an execution against an order.
type Fill struct {
	TradeID      string `json:"trade_id"`
	OrderID      string `json:"order_id"`
	MarketTicker string `json:"market_ticker"`
	IsTaker      bool   `json:"is_taker"`
	Side         Side   `json:"side"`
	YesPrice     int32  `json:"yes_price"`
	NoPrice      int32  `json:"no_price"`
	Count        int32  `json:"count"`
	Action       Action `json:"action"`
	TS           int64  `json:"ts"`
}

// FillMessage is the market data frame carrying a Fill.
type FillMessage struct {
	Type string `json:"type"`
	SID  uint32 `json:"sid"`
	Seq  uint32 `json:"seq"`
	Msg  Fill   `json:"msg"`
}

func (FillMessage) Class() Class { return ClassFill }

// Validate checks required fields.
func (m FillMessage) Validate() error {
	switch {
	case m.Msg.TradeID == "":
		return fmt.Errorf("%w: missing trade_id", ErrInvalid)
	case m.Msg.OrderID == "":
		return fmt.Errorf("%w: missing order_id", ErrInvalid)
	case m.Msg.Count <= 0:
		return fmt.Errorf("%w: count must be positive", ErrInvalid)
	}
	return nil
}

// Decode parses body as the payload of class and validates it.
func Decode(class Class, body []byte) (Payload, error) {
	var p Payload
	var err error
	switch class {
	case ClassOrder:
		p, err = decode[CreateOrder](body)
	case ClassOrderConfirm:
		p, err = decode[OrderConfirm](body)
	case ClassCancel:
		p, err = decode[CancelOrder](body)
	case ClassCancelConfirm:
		p, err = decode[CancelConfirm](body)
	case ClassFill:
		p, err = decode[FillMessage](body)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decode[T Payload](body []byte) (Payload, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", v.Class(), err)
	}
	return v, nil
}
