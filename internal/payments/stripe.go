package payments

import (
	"context"
	"math"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeGateway charges cards with a confirmed PaymentIntent.
type StripeGateway struct {
	Currency      string
	PaymentMethod string // e.g. pm_card_visa in test mode

	create func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// NewStripeGateway sets the package-level stripe key.
func NewStripeGateway(apiKey, currency, paymentMethod string) *StripeGateway {
	stripe.Key = apiKey
	if currency == "" {
		currency = string(stripe.CurrencyUSD)
	}
	return &StripeGateway{Currency: currency, PaymentMethod: paymentMethod, create: paymentintent.New}
}

// Cents converts a fare to the smallest currency unit.
func Cents(amount float64) int64 { return int64(math.Round(amount * 100)) }

func (g *StripeGateway) Authorize(ctx context.Context, rideID string, amount float64, payerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(Cents(amount)),
		Currency:           stripe.String(g.Currency),
		Confirm:            stripe.Bool(true),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	if g.PaymentMethod != "" {
		params.PaymentMethod = stripe.String(g.PaymentMethod)
	}
	params.Context = ctx
	params.AddMetadata("ride_id", rideID)
	params.AddMetadata("payer_id", payerID)
	params.SetIdempotencyKey("ride-" + rideID)

	pi, err := g.create(params)
	if err != nil {
		return "", err
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded && pi.Status != stripe.PaymentIntentStatusProcessing {
		return pi.ID, &DeclinedError{Reference: pi.ID, Status: string(pi.Status)}
	}
	return pi.ID, nil
}

// DeclinedError reports a PaymentIntent that did not settle.
type DeclinedError struct {
	Reference string
	Status    string
}

func (e *DeclinedError) Error() string {
	return "payment intent " + e.Reference + " ended in status " + e.Status
}
