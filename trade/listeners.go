package trade

import (
	"decred.org/dcrwallet/v2/errors"

	"code.cryptopower.dev/group/brokerage"
	"code.cryptopower.dev/group/brokerage/payment"
)

// Listener receives the flow's published events. Each callback is a one-way
// notification; the UI layer owns rendering and feeds commands back in.
// Callbacks may fire from background tasks and must not block.
type Listener interface {
	OnQuoteUpdated(quote *brokerage.Quote, rate float64)
	OnQuoteFailed(err error)

	OnOrderCreated(order *brokerage.Order)
	OnOrderConfirmed(order *brokerage.Order)
	OnOrderFailed(code string, err error)

	OnStepChanged(step Step)

	OnPaymentUpdated(p *payment.Payment)
	OnPaymentFailed(err error)
}

// AddListener registers listener under uniqueIdentifier.
func (f *Flow) AddListener(listener Listener, uniqueIdentifier string) error {
	f.listenersMu.Lock()
	defer f.listenersMu.Unlock()

	if _, ok := f.listeners[uniqueIdentifier]; ok {
		return errors.New(brokerage.ErrListenerAlreadyExist)
	}

	f.listeners[uniqueIdentifier] = listener
	return nil
}

// RemoveListener drops the listener registered under uniqueIdentifier.
func (f *Flow) RemoveListener(uniqueIdentifier string) {
	f.listenersMu.Lock()
	defer f.listenersMu.Unlock()

	delete(f.listeners, uniqueIdentifier)
}

func (f *Flow) eachListener(fn func(Listener)) {
	f.listenersMu.RLock()
	defer f.listenersMu.RUnlock()
	for _, l := range f.listeners {
		fn(l)
	}
}

func (f *Flow) publishQuoteUpdated(quote *brokerage.Quote, rate float64) {
	f.eachListener(func(l Listener) { l.OnQuoteUpdated(quote, rate) })
}

func (f *Flow) publishQuoteFailed(err error) {
	f.eachListener(func(l Listener) { l.OnQuoteFailed(err) })
}

func (f *Flow) publishOrderCreated(order *brokerage.Order) {
	f.eachListener(func(l Listener) { l.OnOrderCreated(order) })
}

func (f *Flow) publishOrderConfirmed(order *brokerage.Order) {
	f.eachListener(func(l Listener) { l.OnOrderConfirmed(order) })
}

// publishOrderFailed records every failure but suppresses benign codes from
// the listener fan-out.
func (f *Flow) publishOrderFailed(err error) {
	code := brokerage.Code(err)
	if brokerage.Benign(code) {
		log.Debugf("suppressed benign order error: %s", code)
		return
	}
	f.eachListener(func(l Listener) { l.OnOrderFailed(code, err) })
}

func (f *Flow) publishStepChanged(step Step) {
	f.eachListener(func(l Listener) { l.OnStepChanged(step) })
}

func (f *Flow) publishPaymentUpdated(p *payment.Payment) {
	f.eachListener(func(l Listener) { l.OnPaymentUpdated(p) })
}

func (f *Flow) publishPaymentFailed(err error) {
	f.eachListener(func(l Listener) { l.OnPaymentFailed(err) })
}
