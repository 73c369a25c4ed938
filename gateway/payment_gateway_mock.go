package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

type PaymentGatewayMock struct {
	mock sync.Mutex

	// CreatedStatus is the status of new charges, pending when empty.
	CreatedStatus entity.ChargeStatus
	// Timeout makes every call fail with entity.ErrGatewayTimeout.
	Timeout bool
	// RefundDelay keeps refunds in flight, so concurrent refunds overlap.
	RefundDelay time.Duration

	Charges   map[string]entity.Charge
	Requests  map[string]entity.ChargeRequest
	Refunds   map[string][]decimal.Decimal
	Retrieved int
}

func (c *PaymentGatewayMock) CreateCharge(ctx context.Context, req entity.ChargeRequest) (entity.Charge, error) {
	c.mock.Lock()
	defer c.mock.Unlock()
	c.init()

	if c.Timeout {
		return entity.Charge{}, entity.ErrGatewayTimeout
	}
	if req.Card == "" && req.Source == "" {
		return entity.Charge{}, fmt.Errorf("charge of payment %s has no card or source: %w", req.PaymentID, entity.ErrGatewayDeclined)
	}

	status := c.CreatedStatus
	if status == "" {
		status = entity.ChargePending
	}

	charge := entity.Charge{
		ID:          "chrg_" + uuid.NewString(),
		Status:      status,
		RedirectURL: req.RedirectURL + "?payment_id=" + req.PaymentID,
	}
	if status == entity.ChargeFailed {
		charge.FailureCode = "payment_rejected"
	}

	c.Charges[charge.ID] = charge
	c.Requests[req.PaymentID] = req

	return charge, nil
}

func (c *PaymentGatewayMock) RetrieveCharge(ctx context.Context, chargeID string) (entity.Charge, error) {
	c.mock.Lock()
	defer c.mock.Unlock()
	c.init()

	if c.Timeout {
		return entity.Charge{}, entity.ErrGatewayTimeout
	}
	c.Retrieved++

	charge, ok := c.Charges[chargeID]
	if !ok {
		return entity.Charge{}, fmt.Errorf("charge %s: %w", chargeID, entity.ErrNotFound)
	}
	return charge, nil
}

func (c *PaymentGatewayMock) Refund(ctx context.Context, chargeID string, amount decimal.Decimal) error {
	c.mock.Lock()
	delay := c.RefundDelay
	c.mock.Unlock()
	time.Sleep(delay)

	c.mock.Lock()
	defer c.mock.Unlock()
	c.init()

	if c.Timeout {
		return entity.ErrGatewayTimeout
	}
	if _, ok := c.Charges[chargeID]; !ok {
		return fmt.Errorf("charge %s: %w", chargeID, entity.ErrNotFound)
	}

	c.Refunds[chargeID] = append(c.Refunds[chargeID], amount)
	return nil
}

// SetStatus changes a stored charge, e.g. once the customer passed 3-D Secure.
func (c *PaymentGatewayMock) SetStatus(chargeID string, status entity.ChargeStatus) {
	c.mock.Lock()
	defer c.mock.Unlock()
	c.init()

	charge := c.Charges[chargeID]
	charge.Status = status
	c.Charges[chargeID] = charge
}

func (c *PaymentGatewayMock) SetTimeout(timeout bool) {
	c.mock.Lock()
	defer c.mock.Unlock()
	c.Timeout = timeout
}

func (c *PaymentGatewayMock) RefundsOf(chargeID string) []decimal.Decimal {
	c.mock.Lock()
	defer c.mock.Unlock()
	c.init()

	return append([]decimal.Decimal(nil), c.Refunds[chargeID]...)
}

func (c *PaymentGatewayMock) init() {
	if c.Charges == nil {
		c.Charges = make(map[string]entity.Charge)
	}
	if c.Requests == nil {
		c.Requests = make(map[string]entity.ChargeRequest)
	}
	if c.Refunds == nil {
		c.Refunds = make(map[string][]decimal.Decimal)
	}
}
