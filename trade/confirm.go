package trade

import (
	"context"
	"encoding/json"

	"decred.org/dcrwallet/v2/errors"
	"github.com/shopspring/decimal"

	"code.cryptopower.dev/group/brokerage"
	"code.cryptopower.dev/group/brokerage/api"
	"code.cryptopower.dev/group/brokerage/mobilepay"
	"code.cryptopower.dev/group/brokerage/retry"
)

// ConfirmOrder commits the held order to the provider and hands off to the
// rail-specific settlement sub-state. Under flexible pricing the order the UI
// holds is compared against the freshest bound order first; a changed value
// stops the confirm so the user re-approves what they will actually pay.
func (f *Flow) ConfirmOrder(ctx context.Context, p ConfirmParams) error {
	const op errors.Op = "flow.ConfirmOrder"

	f.opMu.Lock()
	defer f.opMu.Unlock()

	held := p.Order
	if held == nil {
		held = f.Order()
	}
	if held == nil {
		err := brokerage.NewValidationError(brokerage.ErrNoOrderExists)
		f.publishOrderFailed(err)
		return errors.E(op, err)
	}

	if f.cfg.FlexiblePricing {
		fresh := f.Order()
		if fresh != nil && p.Order != nil && fresh.InputQuantity != p.Order.InputQuantity {
			err := brokerage.NewValidationError(brokerage.ErrOrderValueChanged)
			f.publishOrderFailed(err)
			return errors.E(op, err)
		}
		if fresh != nil {
			held = fresh
		}
	}

	attributes, partner, err := f.confirmAttributes(ctx, held, p)
	if err != nil {
		f.failConfirm(held, err)
		return errors.E(op, err)
	}

	confirmed, err := f.deps.Provider.ConfirmOrder(ctx, held, attributes, p.PaymentMethodID)
	if err != nil {
		f.failConfirm(held, err)
		return errors.E(op, err)
	}

	if err := f.deps.Store.SaveOrder(confirmed); err != nil {
		log.Errorf("Error saving confirmed order %s: %v", confirmed.ID, err)
	}
	f.setOrder(confirmed)
	f.publishOrderConfirmed(confirmed)

	if err := f.dispatchConfirmed(ctx, confirmed, partner); err != nil {
		f.failConfirm(confirmed, err)
		return errors.E(op, err)
	}
	return nil
}

// failConfirm records the failure and returns the flow to checkout confirm
// so the user can retry or cancel.
func (f *Flow) failConfirm(order *brokerage.Order, err error) {
	f.publishOrderFailed(err)
	f.setStep(Step{
		Kind:    StepCheckoutConfirm,
		Pair:    order.Pair,
		Side:    order.Side,
		Method:  order.PaymentType,
		OrderID: order.ID,
	})
}

// confirmAttributes builds the rail-specific confirm attributes: a 3DS
// return link for cards, an open-banking callback for Yapily bank accounts,
// and a freshly minted wallet token when a mobile rail overlays the card.
func (f *Flow) confirmAttributes(ctx context.Context, order *brokerage.Order,
	p ConfirmParams) (*brokerage.OrderAttributes, brokerage.BankPartner, error) {

	switch order.PaymentType {
	case brokerage.PaymentTypeBankTransfer:
		partner := f.bankPartner(ctx, order)
		if partner == brokerage.BankPartnerYapily {
			return &brokerage.OrderAttributes{Callback: f.cfg.BankLinkSuccessLink()}, partner, nil
		}
		return nil, partner, nil

	case brokerage.PaymentTypeCard, brokerage.PaymentTypeUserCard:
		attributes := &brokerage.OrderAttributes{RedirectURL: f.cfg.PaymentSuccessLink()}
		if p.MobilePaymentMethod == "" {
			return attributes, "", nil
		}

		token, err := f.mobileWalletToken(ctx, order, p.MobilePaymentMethod)
		if err != nil {
			return nil, "", err
		}
		if p.MobilePaymentMethod == brokerage.MobilePaymentGooglePay {
			attributes.GooglePayToken = string(token)
		} else {
			attributes.ApplePayToken = string(token)
		}
		return attributes, "", nil
	}

	return nil, "", nil
}

// bankPartner resolves the open-banking partner behind the order's funding
// account.
func (f *Flow) bankPartner(ctx context.Context, order *brokerage.Order) brokerage.BankPartner {
	accounts, err := f.deps.Provider.GetBankAccounts(ctx)
	if err != nil {
		log.Errorf("Bank account lookup failed: %v", err)
		return ""
	}
	for _, account := range accounts {
		if account.ID == order.PaymentMethodID {
			return account.Partner
		}
	}
	return ""
}

// providerValidator adapts the backend merchant-session endpoint to the
// mobilepay bridge.
type providerValidator struct {
	provider Provider
}

func (v providerValidator) ValidateSession(ctx context.Context, beneficiaryID, domain, validationURL string) (string, error) {
	return v.provider.ValidateMerchantSession(ctx, api.MerchantSessionInfo{
		BeneficiaryID: beneficiaryID,
		Domain:        domain,
		ValidationURL: validationURL,
	})
}

// mobileWalletToken runs the one-shot wallet payment sheet for order and
// returns the minted token. The order's input quantity is in fiat minor
// units; the sheet wants display units.
func (f *Flow) mobileWalletToken(ctx context.Context, order *brokerage.Order,
	method brokerage.MobilePaymentType) (mobilepay.Token, error) {
	const op errors.Op = "flow.mobileWalletToken"

	if f.deps.Sessions == nil {
		return "", errors.E(op, errors.New("no mobile payment session factory configured"))
	}

	info, err := f.deps.Provider.GetMobilePaymentInfo(ctx, method, order.InputCurrency)
	if err != nil {
		return "", errors.E(op, err)
	}
	if info == nil || info.BeneficiaryID == "" {
		return "", errors.E(op, brokerage.NewValidationError(brokerage.ErrPaymentInfoNotFound))
	}
	if method == brokerage.MobilePaymentGooglePay &&
		(info.Parameters == "" || !json.Valid([]byte(info.Parameters))) {
		return "", errors.E(op, brokerage.NewValidationError(brokerage.ErrPaymentInfoNotFound))
	}

	minor, err := decimal.NewFromString(order.InputQuantity)
	if err != nil {
		return "", errors.E(op, err)
	}

	f.mu.Lock()
	f.mobileInfo = info
	f.mu.Unlock()

	req := mobilepay.Request{
		Method:           method,
		BeneficiaryID:    info.BeneficiaryID,
		Domain:           f.cfg.ComRootURL,
		CountryCode:      info.MerchantBankCountryCode,
		CurrencyCode:     order.InputCurrency,
		Amount:           minor.Shift(-2).String(),
		AllowCreditCards: info.AllowCreditCards,
	}

	session, err := f.deps.Sessions.Begin(ctx, req)
	if err != nil {
		return "", errors.E(op, err)
	}
	return mobilepay.Run(ctx, session, req, providerValidator{f.deps.Provider})
}

// dispatchConfirmed routes a freshly confirmed order to its settlement
// sub-state based on what the provider reported back.
func (f *Flow) dispatchConfirmed(ctx context.Context, order *brokerage.Order, partner brokerage.BankPartner) error {
	if order.PaymentType == brokerage.PaymentTypeBankTransfer {
		if partner == brokerage.BankPartnerYapily {
			return f.dispatchOpenBanking(ctx, order)
		}
		f.summarize(order)
		go f.confirmOrderPoll(f.ctx, order.ID, StepOrderSummary)
		return nil
	}

	attributes := order.Attributes

	settled := attributes != nil &&
		((attributes.Everypay != nil && attributes.Everypay.PaymentState == brokerage.CardPaymentSettled) ||
			(attributes.CardProvider != nil && attributes.CardProvider.PaymentState == brokerage.CardPaymentSettled))

	if attributes == nil || settled {
		f.summarize(order)
		go f.confirmOrderPoll(f.ctx, order.ID, StepOrderSummary)
		return nil
	}

	var kind StepKind
	switch {
	case attributes.CardProvider != nil:
		switch attributes.CardProvider.CardAcquirerName {
		case brokerage.AcquirerEverypay:
			kind = Step3DSHandlerEverypay
		case brokerage.AcquirerStripe:
			kind = Step3DSHandlerStripe
		case brokerage.AcquirerCheckout:
			kind = Step3DSHandlerCheckout
		default:
			return brokerage.NewValidationError(brokerage.ErrUnhandledPaymentState)
		}
	case attributes.Everypay != nil:
		kind = Step3DSHandlerEverypay
	default:
		return brokerage.NewValidationError(brokerage.ErrUnhandledPaymentState)
	}

	f.setStep(Step{Kind: kind, Pair: order.Pair, Side: order.Side, Method: order.PaymentType, OrderID: order.ID})
	go f.depositPoll(f.ctx, order.ID, kind)
	return nil
}

// dispatchOpenBanking walks the Yapily handoff: a loading state while the
// provider mints the authorisation link, then the connect state while the
// user approves at their bank, with a status poller watching for settlement.
func (f *Flow) dispatchOpenBanking(ctx context.Context, order *brokerage.Order) error {
	const op errors.Op = "flow.dispatchOpenBanking"

	f.setStep(Step{Kind: StepLoading, Pair: order.Pair, Side: order.Side, Method: order.PaymentType, OrderID: order.ID})

	result, err := retry.Do(ctx, f.cfg.PollBudget, func(ctx context.Context) (interface{}, error) {
		latest, err := f.deps.Provider.GetOrder(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		if latest.State == brokerage.OrderStateFailed {
			return nil, errors.E(op, errors.Errorf("order %s failed before bank authorisation", order.ID))
		}
		if latest.Attributes == nil || latest.Attributes.AuthorisationURL == "" {
			return nil, retry.ErrNotYet
		}
		return latest, nil
	})
	if err != nil {
		return errors.E(op, err)
	}

	authorized := result.(*brokerage.Order)
	if err := f.deps.Store.SaveOrder(authorized); err != nil {
		log.Errorf("Error saving order %s: %v", authorized.ID, err)
	}
	f.setOrder(authorized)

	f.setStep(Step{
		Kind:    StepOpenBankingConnect,
		Pair:    authorized.Pair,
		Side:    authorized.Side,
		Method:  authorized.PaymentType,
		OrderID: authorized.ID,
	})
	go f.confirmOrderPoll(f.ctx, authorized.ID, StepOpenBankingConnect)
	return nil
}

// summarize lands the order on its terminal summary view.
func (f *Flow) summarize(order *brokerage.Order) {
	kind := StepOrderSummary
	if order.Side == brokerage.Sell || order.Side == brokerage.Swap {
		kind = StepSellOrderSummary
	}
	f.setStep(Step{Kind: kind, Pair: order.Pair, Side: order.Side, Method: order.PaymentType, OrderID: order.ID})
}
