package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"github.com/shopspring/decimal"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

// OmiseGateway talks to the Omise charges API. Every call is bounded by timeout;
// a call that does not finish in time is reported as entity.ErrGatewayTimeout.
type OmiseGateway struct {
	client  *omise.Client
	timeout time.Duration
}

func NewOmiseGateway(publicKey, secretKey string, timeout time.Duration) (OmiseGateway, error) {
	client, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return OmiseGateway{}, fmt.Errorf("could not create omise client: %w", err)
	}
	client.SetDebug(false)

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return OmiseGateway{
		client:  client,
		timeout: timeout,
	}, nil
}

func (g OmiseGateway) CreateCharge(ctx context.Context, req entity.ChargeRequest) (entity.Charge, error) {
	op := &operations.CreateCharge{
		Card:      req.Card,
		Source:    req.Source,
		Amount:    minorUnits(req.Amount),
		Currency:  req.Currency,
		ReturnURI: req.RedirectURL,
		Metadata: map[string]interface{}{
			"payment_id": req.PaymentID,
			"three_ds":   req.ThreeDS,
		},
	}

	charge := &omise.Charge{}
	err := g.call(ctx, func() error { return g.client.Do(charge, op) })
	if err != nil {
		return entity.Charge{}, fmt.Errorf("could not create charge for payment %s: %w", req.PaymentID, err)
	}

	return toCharge(charge), nil
}

func (g OmiseGateway) RetrieveCharge(ctx context.Context, chargeID string) (entity.Charge, error) {
	charge := &omise.Charge{}
	op := &operations.RetrieveCharge{ChargeID: chargeID}

	err := g.call(ctx, func() error { return g.client.Do(charge, op) })
	if err != nil {
		return entity.Charge{}, fmt.Errorf("could not retrieve charge %s: %w", chargeID, err)
	}

	return toCharge(charge), nil
}

func (g OmiseGateway) Refund(ctx context.Context, chargeID string, amount decimal.Decimal) error {
	refund := &omise.Refund{}
	op := &operations.CreateRefund{
		ChargeID: chargeID,
		Amount:   minorUnits(amount),
	}

	err := g.call(ctx, func() error { return g.client.Do(refund, op) })
	if err != nil {
		return fmt.Errorf("could not refund charge %s: %w", chargeID, err)
	}
	return nil
}

// call runs the blocking omise request and gives up once ctx or the gateway timeout expires.
// The abandoned request finishes in the background and its result is dropped.
func (g OmiseGateway) call(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		var apiErr *omise.Error
		if errors.As(err, &apiErr) {
			return errors.Join(entity.ErrGatewayDeclined, err)
		}
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return entity.ErrGatewayTimeout
		}
		return ctx.Err()
	}
}

func minorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func toCharge(charge *omise.Charge) entity.Charge {
	c := entity.Charge{
		ID:          charge.ID,
		Status:      entity.ChargeStatus(string(charge.Status)),
		RedirectURL: charge.AuthorizeURI,
	}
	if charge.FailureCode != nil {
		c.FailureCode = *charge.FailureCode
	}
	return c
}
