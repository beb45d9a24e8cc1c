// Package offers exposes the read-only offer catalog the trade engine
// validates against. Offers are owned by an upstream marketplace service;
// from the engine's point of view they are immutable during a trade's life.
package offers

import (
	"context"
	"errors"
)

var (
	ErrOfferNotFound         = errors.New("offer not found")
	ErrPaymentMethodNotFound = errors.New("payment method not found")
)

// Offer types.
const (
	TypeBuy  = "BUY"
	TypeSell = "SELL"
)

// Offer is a marketplace listing a trade is created against.
type Offer struct {
	ID             string   `json:"id"`
	OwnerID        string   `json:"ownerId"`
	Type           string   `json:"type"` // BUY or SELL
	Currency       string   `json:"currency"`
	PriceCurrency  string   `json:"priceCurrency"`
	Price          string   `json:"price"`
	MinAmount      string   `json:"minAmount"`
	MaxAmount      string   `json:"maxAmount"`
	PaymentMethods []string `json:"paymentMethods"` // accepted payment method ids
	Active         bool     `json:"active"`
}

// Accepts reports whether the offer accepts the given payment method.
func (o *Offer) Accepts(paymentMethodID string) bool {
	for _, id := range o.PaymentMethods {
		if id == paymentMethodID {
			return true
		}
	}
	return false
}

// PaymentMethod is a fiat payment rail (bank transfer, mobile money, ...).
type PaymentMethod struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// Registry resolves offers.
type Registry interface {
	Get(ctx context.Context, offerID string) (*Offer, error)
}

// PaymentMethodRegistry resolves payment methods.
type PaymentMethodRegistry interface {
	Get(ctx context.Context, id string) (*PaymentMethod, error)
}
