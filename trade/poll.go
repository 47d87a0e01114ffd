package trade

import (
	"context"

	"decred.org/dcrwallet/v2/errors"

	"code.cryptopower.dev/group/brokerage"
	"code.cryptopower.dev/group/brokerage/retry"
)

// confirmOrderPoll watches a confirmed order until it leaves the pending
// states. The poll is guarded by the step it was forked from: the moment the
// user navigates elsewhere the guard trips and the poll self-cancels rather
// than mutating a flow the user has already left.
func (f *Flow) confirmOrderPoll(ctx context.Context, orderID string, guard StepKind) {
	guardFn := func() bool { return f.Step().Kind == guard }

	result, err := retry.DoGuarded(ctx, f.cfg.PollBudget, guardFn, func(ctx context.Context) (interface{}, error) {
		order, err := f.deps.Provider.GetOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.Pending() {
			return nil, retry.ErrNotYet
		}
		return order, nil
	})

	if err != nil {
		if brokerage.IsCancellation(err) || ctx.Err() != nil {
			log.Debugf("Poll for order %s abandoned", orderID)
			return
		}
		f.opMu.Lock()
		f.publishOrderFailed(err)
		if brokerage.IsTimeout(err) && f.Step().Kind == guard {
			f.setStep(Step{Kind: StepFailed, OrderID: orderID})
		}
		f.opMu.Unlock()
		return
	}

	order := result.(*brokerage.Order)
	if err := f.deps.Store.SaveOrder(order); err != nil {
		log.Errorf("Error saving polled order %s: %v", order.ID, err)
	}

	f.opMu.Lock()
	defer f.opMu.Unlock()

	if f.Step().Kind != guard {
		return
	}
	f.setOrder(order)

	switch order.State {
	case brokerage.OrderStateFailed, brokerage.OrderStateCanceled, brokerage.OrderStateExpired:
		f.publishOrderFailed(errors.Errorf("order %s ended in state %s", order.ID, order.State))
		f.setStep(Step{Kind: StepFailed, Pair: order.Pair, Side: order.Side, OrderID: order.ID})
	default:
		f.publishOrderConfirmed(order)
		f.summarize(order)
	}
}

// PollOrder forks a status poll for orderID, guarded by whatever step the
// flow is on now.
func (f *Flow) PollOrder(orderID string) {
	go f.confirmOrderPoll(f.ctx, orderID, f.Step().Kind)
}

// depositPoll watches an order parked behind a 3DS challenge.
func (f *Flow) depositPoll(ctx context.Context, orderID string, guard StepKind) {
	f.confirmOrderPoll(ctx, orderID, guard)
}

// CancelOrder cancels the held order and returns the user to amount entry
// with their input preserved. The order list is refetched exactly once so
// the store reflects the cancellation.
func (f *Flow) CancelOrder(ctx context.Context) error {
	const op errors.Op = "flow.CancelOrder"

	f.opMu.Lock()
	defer f.opMu.Unlock()

	order := f.Order()
	if order == nil {
		err := brokerage.NewValidationError(brokerage.ErrNoOrderExists)
		f.publishOrderFailed(err)
		return errors.E(op, err)
	}

	// The pre-cancel state decides where the user lands; the cancel itself
	// moves the shared record to CANCELED.
	wasAwaitingConfirmation := order.State == brokerage.OrderStatePendingConfirmation

	if err := f.deps.Provider.CancelOrder(ctx, order); err != nil && !brokerage.IsConflict(err) {
		f.publishOrderFailed(err)
		return errors.E(op, err)
	}

	if err := f.refreshOrders(ctx); err != nil {
		log.Errorf("Order refetch after cancel failed: %v", err)
	}

	f.setOrder(nil)

	if wasAwaitingConfirmation {
		values := f.checkoutValues()
		step := Step{Kind: StepEnterAmount}
		if values != nil {
			step.Pair = values.Pair
			step.Side = values.Side
		}
		f.setStep(step)
		return nil
	}

	f.summarize(order)
	return nil
}

// PollCard watches a freshly registered card until activation settles. An
// activated card immediately confirms any order waiting on it. The
// classification of an unsettled poll is part of the result: still pending,
// blocked by the provider, or link failure.
func (f *Flow) PollCard(ctx context.Context, cardID string) (*brokerage.Card, error) {
	const op errors.Op = "flow.PollCard"

	result, err := retry.Do(ctx, f.cfg.PollBudget, func(ctx context.Context) (interface{}, error) {
		card, err := f.deps.Provider.GetCard(ctx, cardID)
		if err != nil {
			return nil, err
		}
		switch card.State {
		case brokerage.CardStateCreated, brokerage.CardStatePending:
			return nil, retry.ErrNotYet
		}
		return card, nil
	})

	if err != nil {
		if brokerage.IsTimeout(err) {
			return nil, errors.E(op, brokerage.NewValidationError(brokerage.ErrCardPendingAfterPoll))
		}
		return nil, errors.E(op, err)
	}

	card := result.(*brokerage.Card)
	switch card.State {
	case brokerage.CardStateActive:
	case brokerage.CardStateBlocked:
		return card, errors.E(op, brokerage.NewValidationError(brokerage.ErrCardBlockedAfterPoll))
	default:
		return card, errors.E(op, brokerage.NewValidationError(brokerage.ErrCardLinkFailed))
	}

	pending, err := f.deps.Store.LatestPendingOrder()
	if err != nil {
		log.Errorf("Pending order lookup failed: %v", err)
	}
	if pending != nil && pending.State == brokerage.OrderStatePendingConfirmation {
		log.Infof("Card %s active, confirming pending order %s", cardID, pending.ID)
		if err := f.ConfirmOrder(ctx, ConfirmParams{Order: pending, PaymentMethodID: cardID}); err != nil {
			return card, err
		}
	}
	return card, nil
}
