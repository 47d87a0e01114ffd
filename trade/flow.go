// Package trade drives one trade from selection to a terminal outcome. The
// Flow is a long-lived, resumable state machine: it sequences quote
// acquisition, order creation, non-custodial payment construction and
// broadcast, multi-rail confirmation and bounded status polling, under quote
// expiry and user navigation. Background tasks (quote loop, pollers) publish
// data concurrently, but every Step transition happens on the flow's single
// orchestrating task.
package trade

import (
	"context"
	"sync"

	"decred.org/dcrwallet/v2/errors"
	"github.com/shopspring/decimal"

	"code.cryptopower.dev/group/brokerage"
	"code.cryptopower.dev/group/brokerage/api"
	"code.cryptopower.dev/group/brokerage/mobilepay"
	"code.cryptopower.dev/group/brokerage/payment"
	"code.cryptopower.dev/group/brokerage/quote"
)

// SessionFactory starts the platform's mobile-wallet payment sheet for a
// request. Supplied by the embedding application; nil disables mobile rails.
type SessionFactory interface {
	Begin(ctx context.Context, req mobilepay.Request) (mobilepay.ProviderSession, error)
}

// Deps are the flow's collaborators. Provider and Store are required;
// the rest are optional and disable their rails when nil.
type Deps struct {
	Provider    Provider
	Store       *brokerage.Store
	Sessions    SessionFactory
	Broadcaster payment.Broadcaster
	Balances    payment.BalanceSource
	Fees        payment.FeeEstimator
	Addresses   payment.AddressValidator
}

// Flow is one trade's orchestrator. At most one Flow is active per session.
type Flow struct {
	cfg  brokerage.Config
	deps Deps

	quotes *quote.Manager
	bus    *eventBus

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes the orchestrating task: every Step transition happens
	// under it, so transitions are strictly sequential even when triggered
	// from a background task's completion.
	opMu sync.Mutex

	// mu guards the published state slices below. Background tasks write
	// disjoint slices (quote data vs order record vs step) under this lock
	// and re-read step before any order-mutating call.
	mu         sync.RWMutex
	step       Step
	order      *brokerage.Order
	buyQuote   *brokerage.Quote
	sellQuote  *brokerage.Quote
	values     *CheckoutValues
	account    *Account
	pay        *payment.Payment
	mobileInfo *api.MobilePaymentInfo

	payBuilder *payment.Builder

	listenersMu sync.RWMutex
	listeners   map[string]Listener
}

// NewFlow builds a flow. Start must be called before commands are accepted.
func NewFlow(cfg brokerage.Config, deps Deps) (*Flow, error) {
	if deps.Provider == nil {
		return nil, errors.New("trade: nil provider")
	}
	if deps.Store == nil {
		return nil, errors.New("trade: nil store")
	}

	return &Flow{
		cfg:       cfg,
		deps:      deps,
		quotes:    quote.NewManager(),
		bus:       newEventBus(),
		listeners: make(map[string]Listener),
	}, nil
}

// Start runs the eligibility gate and resolves the entry step. side and
// cryptoCurrency describe what the user asked to trade; cryptoCurrency may
// be empty, which lands on crypto selection.
func (f *Flow) Start(ctx context.Context, side brokerage.Side, cryptoCurrency string) error {
	f.mu.Lock()
	if f.cancel != nil {
		f.mu.Unlock()
		return errors.New(brokerage.ErrFlowAlreadyActive)
	}
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.mu.Unlock()

	return f.enter(side, cryptoCurrency)
}

// Close cancels the flow and all of its background tasks.
func (f *Flow) Close() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()

	f.quotes.StopAll()
	if cancel != nil {
		cancel()
	}
}

// Step returns the currently active step.
func (f *Flow) Step() Step {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.step
}

// Order returns the flow's current order record, or nil.
func (f *Flow) Order() *brokerage.Order {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.order
}

// BuyQuote returns the freshest buy quote, or nil.
func (f *Flow) BuyQuote() *brokerage.Quote {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.buyQuote
}

// Payment returns the current provisional payment snapshot, or nil.
func (f *Flow) Payment() *payment.Payment {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.pay
}

// setStep is the single Step mutation point. Callers hold opMu.
func (f *Flow) setStep(step Step) {
	f.mu.Lock()
	f.step = step
	f.mu.Unlock()

	log.Infof("Step -> %s", step.Kind)
	f.publishStepChanged(step)
}

func (f *Flow) setOrder(order *brokerage.Order) {
	f.mu.Lock()
	f.order = order
	f.mu.Unlock()
}

func (f *Flow) checkoutValues() *CheckoutValues {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.values
}

// InitializeCheckout seeds the amount entry state: records the user's
// selection, starts the quote loop for the pair/side and, for a self-custody
// sell, prepares the provisional payment draft.
func (f *Flow) InitializeCheckout(p InitParams) error {
	const op errors.Op = "flow.InitializeCheckout"

	if !p.Pair.Valid() {
		return errors.E(op, brokerage.NewValidationError(brokerage.ErrNoPairSelected))
	}

	values := &CheckoutValues{
		Pair:   p.Pair,
		Side:   p.Side,
		Fix:    p.Fix,
		Amount: p.Amount,
		Period: p.Period,
	}

	f.mu.Lock()
	f.values = values
	f.account = p.Account
	f.mu.Unlock()

	f.startQuoteLoop(p)

	if p.Side == brokerage.Sell && p.Account != nil && p.Account.Type == AccountNonCustodial {
		f.prepareProvisionalPayment(p.Account, p.Amount)
	}

	f.opMu.Lock()
	defer f.opMu.Unlock()
	f.setStep(Step{Kind: StepEnterAmount, Pair: p.Pair, Side: p.Side, Method: p.PaymentType})
	return nil
}

// startQuoteLoop starts (or supersedes) the refresh loop for the checkout's
// pair and side.
func (f *Flow) startQuoteLoop(p InitParams) {
	params := quote.Params{
		SafetyMargin:  f.cfg.QuoteSafetyMargin,
		FallbackDelay: f.cfg.QuoteFallbackDelay,
	}

	var fetch quote.FetchFunc
	if p.Side == brokerage.Sell {
		direction := p.Account.Direction()
		fetch = func(ctx context.Context) (*brokerage.Quote, error) {
			return f.deps.Provider.GetSellQuote(ctx, p.Pair, direction)
		}
	} else {
		amount := brokerage.ConvertStandardToBase(brokerage.FiatSymbol, p.Amount)
		fetch = func(ctx context.Context) (*brokerage.Quote, error) {
			return f.deps.Provider.GetBuyQuote(ctx, p.Pair, buyQuoteProfile, amount, p.PaymentType, p.PaymentMethodID)
		}
	}

	f.quotes.Start(f.ctx, p.Pair, p.Side, fetch, params, quoteSink{f: f, side: p.Side})
}

// RestartQuoteLoop is the explicit external restart signal for a quote loop
// that stopped after a fetch failure.
func (f *Flow) RestartQuoteLoop(pair brokerage.Pair, side brokerage.Side) {
	if loop := f.quotes.Get(pair, side); loop != nil {
		loop.Restart(f.ctx)
	}
}

// quoteSink routes loop callbacks into the flow's state, listeners and wait
// slots.
type quoteSink struct {
	f    *Flow
	side brokerage.Side
}

func (s quoteSink) OnQuoteUpdated(q *brokerage.Quote, rate float64) {
	s.f.mu.Lock()
	if s.side == brokerage.Sell {
		s.f.sellQuote = q
	} else {
		s.f.buyQuote = q
	}
	s.f.mu.Unlock()

	s.f.bus.publish(evQuoteUpdated, q)
	s.f.publishQuoteUpdated(q, rate)
}

// OnQuoteFailed fires when a fetch fails; the loop stops afterwards and
// stays stopped until an explicit restart, so this doubles as the stream's
// end-of-life signal.
func (s quoteSink) OnQuoteFailed(err error) {
	s.f.bus.publish(evQuoteStopped, err)
	s.f.publishQuoteFailed(err)
}

// prepareProvisionalPayment builds the initial draft for a self-custody
// sell. The builder is retained so an amount change rebuilds only the
// amount.
func (f *Flow) prepareProvisionalPayment(account *Account, amount decimal.Decimal) {
	if f.deps.Balances == nil || f.deps.Fees == nil || f.deps.Addresses == nil {
		return
	}

	builder := payment.NewBuilder(account.Coin, string(f.cfg.Network), f.deps.Balances, f.deps.Fees, f.deps.Addresses).
		Init(account.IsToken).
		SetFee(payment.FeePriority).
		SetSource(payment.Source{Address: account.Address, Index: account.Index}).
		SetAmount(amount)

	snapshot := builder.Build()

	f.mu.Lock()
	f.payBuilder = builder
	f.pay = snapshot
	f.mu.Unlock()

	f.publishPaymentUpdated(snapshot)
}

// AmountChanged updates the entered amount, rebuilding the provisional
// payment draft with only the amount replaced.
func (f *Flow) AmountChanged(amount decimal.Decimal) {
	f.mu.Lock()
	if f.values != nil {
		f.values.Amount = amount
	}
	builder := f.payBuilder
	f.mu.Unlock()

	if builder == nil {
		return
	}

	snapshot := builder.SetAmount(amount).Build()

	f.mu.Lock()
	f.pay = snapshot
	f.mu.Unlock()

	f.publishPaymentUpdated(snapshot)
}

// SwitchFix flips which leg the entered amount authoritatively specifies.
// A non-positive amount is cleared rather than carried across.
func (f *Flow) SwitchFix(fix brokerage.Fix, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		return
	}
	f.values.Fix = fix
	if amount.IsPositive() {
		f.values.Amount = amount
	} else {
		f.values.Amount = decimal.Zero
	}
}

// refreshOrders re-fetches the provider's order list into the store, once.
func (f *Flow) refreshOrders(ctx context.Context) error {
	orders, err := f.deps.Provider.GetOrders(ctx)
	if err != nil {
		return err
	}
	if err := f.deps.Store.ReplaceAll(orders); err != nil {
		return err
	}
	f.bus.publish(evOrdersFetched, orders)
	return nil
}

// DeterminePaymentProvider resolves the card acquirer for a new card and
// advances to the add-card state with the acquirer's account codes and API
// key attached.
func (f *Flow) DeterminePaymentProvider(ctx context.Context) error {
	const op errors.Op = "flow.DeterminePaymentProvider"

	f.opMu.Lock()
	defer f.opMu.Unlock()

	f.setStep(Step{Kind: StepDeterminePaymentProvider})

	acquirers, err := f.deps.Provider.GetCardAcquirers(ctx)
	if err != nil {
		return errors.E(op, err)
	}

	var codes []string
	seen := make(map[string]struct{})
	var apiKey string
	for _, a := range acquirers {
		if a.CardAcquirerName != brokerage.AcquirerCheckout {
			continue
		}
		if apiKey == "" {
			apiKey = a.APIKey
		}
		for _, code := range a.CardAcquirerAccountCodes {
			if _, ok := seen[code]; ok {
				continue
			}
			seen[code] = struct{}{}
			codes = append(codes, code)
		}
	}

	if len(codes) == 0 {
		return errors.E(op, brokerage.NewValidationError(brokerage.ErrAcquirerNotFound))
	}

	f.setStep(Step{
		Kind:                 StepAddCard,
		AcquirerAccountCodes: codes,
		AcquirerAPIKey:       apiKey,
	})
	return nil
}
