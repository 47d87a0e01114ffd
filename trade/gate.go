package trade

import (
	"context"

	"decred.org/dcrwallet/v2/errors"

	"code.cryptopower.dev/group/brokerage"
)

// enter resolves the entry step for a freshly started flow: stale
// cancellable orders are cleaned up, product eligibility is checked, and a
// surviving pending order short-circuits straight to its in-progress step.
func (f *Flow) enter(side brokerage.Side, cryptoCurrency string) error {
	const op errors.Op = "flow.enter"

	f.opMu.Lock()
	defer f.opMu.Unlock()

	if err := f.cleanupCancellableOrders(f.ctx); err != nil {
		log.Errorf("Cancellable order cleanup failed: %v", err)
	}

	eligibility, err := f.deps.Provider.GetEligibility(f.ctx)
	if err != nil {
		return errors.E(op, err)
	}

	if blocked, step := f.restrictedStep(side, eligibility); blocked {
		f.setStep(step)
		return nil
	}

	pending, err := f.deps.Store.LatestPendingOrder()
	if err != nil {
		log.Errorf("Pending order lookup failed: %v", err)
	}
	if pending != nil {
		f.jumpToPendingOrder(pending)
		return nil
	}

	// The order allowance only gates a fresh order, never a resumed one.
	if side == brokerage.Buy && eligibility.Buy.MaxOrdersLeft <= 0 {
		f.setStep(Step{Kind: StepUpgradeRequired, Side: side})
		return nil
	}

	if cryptoCurrency == "" {
		f.setStep(Step{Kind: StepCryptoSelection, Side: side})
		return nil
	}
	f.setStep(Step{Kind: StepEnterAmount, Side: side})
	return nil
}

// cleanupCancellableOrders cancels any order the provider still accepts a
// cancel for, then refetches the order list exactly once. A cancel conflict
// means the order settled underneath us, which the refetch picks up.
func (f *Flow) cleanupCancellableOrders(ctx context.Context) error {
	if err := f.refreshOrders(ctx); err != nil {
		return err
	}

	stale, err := f.deps.Store.CancellableOrder()
	if err != nil {
		return err
	}
	if stale == nil {
		return nil
	}

	log.Debugf("Cancelling stale order %s from a prior session", stale.ID)
	if err := f.deps.Provider.CancelOrder(ctx, stale); err != nil {
		return err
	}
	return f.refreshOrders(ctx)
}

// restrictedStep maps a policy restriction to its blocking step, if any. The
// provider's message accompanies the restricted step except for the EU
// sanctions reason, whose copy the UI supplies itself.
func (f *Flow) restrictedStep(side brokerage.Side, eligibility *brokerage.ProductEligibility) (bool, Step) {
	var enabled bool
	var reason *brokerage.EligibilityReason
	switch side {
	case brokerage.Sell, brokerage.Swap:
		enabled = eligibility.Sell.Enabled
		reason = eligibility.Sell.ReasonNotEligible
	default:
		enabled = eligibility.Buy.Enabled
		reason = eligibility.Buy.ReasonNotEligible
	}

	if !enabled && reason != nil {
		message := reason.Message
		if reason.Reason == brokerage.EU5Sanction {
			message = ""
		}
		return true, Step{Kind: StepRestricted, Side: side, Message: message}
	}

	return false, Step{}
}

// jumpToPendingOrder resumes a surviving pending order, forking a status
// poller so a settlement that races the user is still observed.
func (f *Flow) jumpToPendingOrder(pending *brokerage.Order) {
	f.setOrder(pending)

	switch pending.State {
	case brokerage.OrderStatePendingConfirmation:
		f.setStep(Step{
			Kind:    StepCheckoutConfirm,
			Pair:    pending.Pair,
			Side:    pending.Side,
			Method:  pending.PaymentType,
			OrderID: pending.ID,
		})
		go f.confirmOrderPoll(f.ctx, pending.ID, StepCheckoutConfirm)
		return

	case brokerage.OrderStatePendingDeposit:
		kind := StepOrderSummary
		if f.awaitingBankAuthorisation(pending) {
			kind = StepOpenBankingConnect
		}
		f.setStep(Step{
			Kind:    kind,
			Pair:    pending.Pair,
			Side:    pending.Side,
			Method:  pending.PaymentType,
			OrderID: pending.ID,
		})
		go f.confirmOrderPoll(f.ctx, pending.ID, kind)
	}
}

// awaitingBankAuthorisation reports whether pending is a bank-transfer order
// still waiting on the user to approve the payment at their bank.
func (f *Flow) awaitingBankAuthorisation(pending *brokerage.Order) bool {
	if pending.PaymentType != brokerage.PaymentTypeBankTransfer {
		return false
	}
	if pending.Attributes != nil && pending.Attributes.AuthorisationURL != "" {
		return true
	}

	accounts, err := f.deps.Provider.GetBankAccounts(f.ctx)
	if err != nil {
		log.Errorf("Bank account lookup failed: %v", err)
		return false
	}
	for _, account := range accounts {
		if account.ID == pending.PaymentMethodID {
			return account.Partner == brokerage.BankPartnerYapily
		}
	}
	return false
}
