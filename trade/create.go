package trade

import (
	"context"

	"decred.org/dcrwallet/v2/errors"
	"github.com/shopspring/decimal"

	"code.cryptopower.dev/group/brokerage"
	"code.cryptopower.dev/group/brokerage/api"
)

// CreateOrder validates the checkout input, creates a provider order bound
// to the freshest quote, and advances to checkout confirm. All input
// validation happens before any provider call. A failure returns the flow to
// amount entry with the entered values intact.
func (f *Flow) CreateOrder(ctx context.Context, p CreateParams) error {
	const op errors.Op = "flow.CreateOrder"

	f.opMu.Lock()
	defer f.opMu.Unlock()

	values := f.checkoutValues()
	if err := validateCreate(values, p); err != nil {
		f.failCreate(values, err)
		return errors.E(op, err)
	}

	f.setStep(Step{Kind: StepCreateOrder, Pair: values.Pair, Side: values.Side, Method: p.PaymentType})

	var order *brokerage.Order
	var err error
	if values.Side == brokerage.Sell || values.Side == brokerage.Swap {
		order, err = f.createSellOrder(ctx, values)
	} else {
		order, err = f.createBuyOrder(ctx, values, p)
	}
	if err != nil {
		f.failCreate(values, err)
		return errors.E(op, err)
	}

	if err := f.deps.Store.SaveOrder(order); err != nil {
		log.Errorf("Error saving order %s: %v", order.ID, err)
	}
	f.setOrder(order)
	f.publishOrderCreated(order)

	if values.Side == brokerage.Sell || values.Side == brokerage.Swap {
		f.setStep(Step{Kind: StepSellOrderSummary, Pair: values.Pair, Side: values.Side, OrderID: order.ID})
		return nil
	}

	f.setStep(Step{Kind: StepCheckoutConfirm, Pair: values.Pair, Side: values.Side, Method: p.PaymentType, OrderID: order.ID})

	if f.cfg.FlexiblePricing {
		go f.superviseQuoteBinding(f.ctx, p)
	}
	return nil
}

// validateCreate checks the inbound command before any network traffic.
func validateCreate(values *CheckoutValues, p CreateParams) error {
	if values == nil || !values.Amount.IsPositive() {
		return brokerage.NewValidationError(brokerage.ErrNoAmount)
	}
	if !values.Pair.Valid() {
		return brokerage.NewValidationError(brokerage.ErrNoPairSelected)
	}
	if values.Side != brokerage.Sell && values.Side != brokerage.Swap && p.PaymentType == "" {
		return brokerage.NewValidationError(brokerage.ErrNoPaymentType)
	}
	return nil
}

// failCreate records the failure and returns the user to an editable state
// with their input preserved.
func (f *Flow) failCreate(values *CheckoutValues, err error) {
	f.publishOrderFailed(err)
	step := Step{Kind: StepEnterAmount}
	if values != nil {
		step.Pair = values.Pair
		step.Side = values.Side
	}
	f.setStep(step)
}

// createBuyOrder builds the two-leg order body. The leg the fix names carries
// the amount in base units; the other leg is symbol-only so the provider
// infers it. Under flexible pricing a crypto fix is converted to its fiat
// equivalent at the held quote's rate, since the quoted endpoint prices the
// fiat leg.
func (f *Flow) createBuyOrder(ctx context.Context, values *CheckoutValues, p CreateParams) (*brokerage.Order, error) {
	params := api.CreateOrderParams{
		Pair:            values.Pair,
		Side:            brokerage.Buy,
		Pending:         true,
		PaymentType:     p.PaymentType,
		PaymentMethodID: p.PaymentMethodID,
		Period:          values.Period,
	}

	if f.cfg.FlexiblePricing {
		quote := f.BuyQuote()
		if quote == nil {
			return nil, brokerage.NewValidationError(brokerage.ErrNoQuote)
		}
		params.QuoteID = quote.ID

		fiatAmount := values.Amount
		if values.Fix == brokerage.FixCrypto {
			fiatAmount = brokerage.FiatFromCrypto(values.Amount, decimal.NewFromFloat(quote.Rate))
		}
		params.Input = brokerage.Leg{
			Symbol: values.Pair.Fiat(),
			Amount: brokerage.ConvertStandardToBase(brokerage.FiatSymbol, fiatAmount),
		}
		params.Output = brokerage.Leg{Symbol: values.Pair.Coin()}
		return f.deps.Provider.CreateOrder(ctx, params)
	}

	params.Input = brokerage.Leg{Symbol: values.Pair.Fiat()}
	params.Output = brokerage.Leg{Symbol: values.Pair.Coin()}
	if values.Fix == brokerage.FixCrypto {
		params.Output.Amount = brokerage.ConvertStandardToBase(values.Pair.Coin(), values.Amount)
	} else {
		params.Input.Amount = brokerage.ConvertStandardToBase(brokerage.FiatSymbol, values.Amount)
	}
	return f.deps.Provider.CreateOrder(ctx, params)
}

// createSellOrder creates the sell/swap order and, for a self-custody
// source, broadcasts the deposit. A broadcast failure cancels the provider
// order before the original error is surfaced, so no order is left waiting
// on a deposit that will never arrive.
func (f *Flow) createSellOrder(ctx context.Context, values *CheckoutValues) (*brokerage.Order, error) {
	f.mu.RLock()
	quote := f.sellQuote
	account := f.account
	pay := f.pay
	f.mu.RUnlock()

	if quote == nil {
		return nil, brokerage.NewValidationError(brokerage.ErrNoQuote)
	}
	if account == nil {
		return nil, brokerage.NewValidationError(brokerage.ErrNoAccount)
	}

	// A fiat fix sizes the crypto leg at the held quote's rate.
	amount := values.Amount
	if values.Fix == brokerage.FixFiat {
		amount = brokerage.CryptoFromFiat(values.Amount, decimal.NewFromFloat(quote.Rate))
	}

	params := api.SellOrderParams{
		Direction:    account.Direction(),
		QuoteID:      quote.ID,
		BaseAmount:   brokerage.ConvertStandardToBase(values.Pair.Coin(), amount),
		FiatCurrency: values.Pair.Fiat(),
	}
	if account.Type == AccountNonCustodial {
		params.RefundAddress = account.Address
	}

	order, err := f.deps.Provider.CreateSellOrder(ctx, params)
	if err != nil {
		return nil, err
	}

	if account.Type != AccountNonCustodial {
		return order, nil
	}

	// Self-custody: move the deposit on chain, then tell the provider.
	if f.deps.Broadcaster == nil || pay == nil || pay.Degraded {
		err = errors.Errorf("no publishable payment for %s deposit", values.Pair.Coin())
	} else {
		_, err = f.deps.Broadcaster.BuildAndPublish(ctx, pay, order.DepositAddress)
	}
	if err != nil {
		f.publishPaymentFailed(err)
		if cancelErr := f.deps.Provider.UpdateSellOrder(ctx, order.ID, "CANCEL"); cancelErr != nil {
			log.Errorf("Compensating cancel of sell order %s failed: %v", order.ID, cancelErr)
		}
		return nil, err
	}

	if err := f.deps.Provider.UpdateSellOrder(ctx, order.ID, "DEPOSIT_SENT"); err != nil {
		return nil, err
	}
	order.State = brokerage.OrderStatePendingDeposit
	return order, nil
}

// superviseQuoteBinding keeps a flexible-pricing order bound to the freshest
// quote: each quote refresh while the user sits on checkout confirm cancels
// the held order and recreates it against the new quote's identifier. The
// loop ends the moment the flow leaves checkout confirm, or when the quote
// stream itself dies.
func (f *Flow) superviseQuoteBinding(ctx context.Context, p CreateParams) {
	updated := f.bus.slot(evQuoteUpdated)
	stopped := f.bus.slot(evQuoteStopped)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopped:
			log.Debugf("Quote stream ended, order stays bound to its last quote")
			return
		case <-updated:
		}

		f.opMu.Lock()
		if f.Step().Kind != StepCheckoutConfirm {
			f.opMu.Unlock()
			return
		}

		held := f.Order()
		quote := f.BuyQuote()
		values := f.checkoutValues()
		if held == nil || quote == nil || quote.ID == held.QuoteID {
			f.opMu.Unlock()
			continue
		}

		if err := f.deps.Provider.CancelOrder(ctx, held); err != nil {
			log.Errorf("Cancel of superseded order %s failed: %v", held.ID, err)
			f.opMu.Unlock()
			continue
		}

		order, err := f.createBuyOrder(ctx, values, p)
		if err != nil {
			log.Errorf("Rebinding order to quote %s failed: %v", quote.ID, err)
			f.opMu.Unlock()
			continue
		}

		if err := f.deps.Store.SaveOrder(order); err != nil {
			log.Errorf("Error saving rebound order %s: %v", order.ID, err)
		}
		f.setOrder(order)
		f.publishOrderCreated(order)
		f.opMu.Unlock()
	}
}
