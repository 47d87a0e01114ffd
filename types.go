package brokerage

import (
	"strings"
	"time"
)

// Side identifies which direction a trade moves value in.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
	Swap Side = "SWAP"
)

func (s Side) String() string {
	return string(s)
}

// Fix identifies which leg of a trade the user's amount authoritatively
// specifies. The other leg is inferred by the provider.
type Fix string

const (
	FixFiat   Fix = "FIAT"
	FixCrypto Fix = "CRYPTO"
)

// Pair is a market pair in the repo-wide BASE-COUNTER format, e.g. BTC-USD.
type Pair string

// PairSep is used repo wide to separate the two legs of a pair.
const PairSep = "-"

// Coin returns the crypto leg of the pair.
func (p Pair) Coin() string {
	legs := strings.SplitN(string(p), PairSep, 2)
	return legs[0]
}

// Fiat returns the fiat leg of the pair.
func (p Pair) Fiat() string {
	legs := strings.SplitN(string(p), PairSep, 2)
	if len(legs) != 2 {
		return ""
	}
	return legs[1]
}

// Reverse flips the pair, e.g. BTC-USD -> USD-BTC. Some provider endpoints
// want the fiat leg first.
func (p Pair) Reverse() Pair {
	legs := strings.SplitN(string(p), PairSep, 2)
	if len(legs) != 2 {
		return p
	}
	return Pair(legs[1] + PairSep + legs[0])
}

func (p Pair) Valid() bool {
	legs := strings.SplitN(string(p), PairSep, 2)
	return len(legs) == 2 && legs[0] != "" && legs[1] != ""
}

// OrderState is the provider-tracked lifecycle state of an order.
type OrderState string

const (
	OrderStatePendingDeposit      OrderState = "PENDING_DEPOSIT"
	OrderStatePendingConfirmation OrderState = "PENDING_CONFIRMATION"
	OrderStateDepositMatched      OrderState = "DEPOSIT_MATCHED"
	OrderStateFinished            OrderState = "FINISHED"
	OrderStateFailed              OrderState = "FAILED"
	OrderStateCanceled            OrderState = "CANCELED"
	OrderStateExpired             OrderState = "EXPIRED"
)

// Terminal reports whether the state admits no further transitions.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFinished, OrderStateFailed, OrderStateCanceled, OrderStateExpired:
		return true
	}
	return false
}

// PaymentType is the rail an order is funded through.
type PaymentType string

const (
	PaymentTypeCard         PaymentType = "PAYMENT_CARD"
	PaymentTypeUserCard     PaymentType = "USER_CARD"
	PaymentTypeBankTransfer PaymentType = "BANK_TRANSFER"
	PaymentTypeFunds        PaymentType = "FUNDS"
)

// MobilePaymentType is an optional wallet-provider overlay on the card rail.
type MobilePaymentType string

const (
	MobilePaymentApplePay  MobilePaymentType = "APPLE_PAY"
	MobilePaymentGooglePay MobilePaymentType = "GOOGLE_PAY"
)

// CardAcquirer is the closed set of card payment providers the confirm step
// can hand a 3DS challenge to. Adding a rail means adding a constant here and
// a case at the confirm-step dispatch; the compiler flags the rest.
type CardAcquirer string

const (
	AcquirerEverypay    CardAcquirer = "EVERYPAY"
	AcquirerStripe      CardAcquirer = "STRIPE"
	AcquirerCheckout    CardAcquirer = "CHECKOUTDOTCOM"
	AcquirerUnspecified CardAcquirer = ""
)

// CardPaymentState values reported in order attributes.
const (
	CardPaymentSettled       = "SETTLED"
	CardPaymentWaitingFor3DS = "WAITING_FOR_3DS_RESPONSE"
)

// BankPartner identifies the open-banking integration behind a linked bank
// account. Yapily accounts require the authorization-URL redirect handoff.
type BankPartner string

const (
	BankPartnerYapily BankPartner = "YAPILY"
	BankPartnerPlaid  BankPartner = "PLAID"
)

// Quote is a time-bounded price commitment from the provider for a pair and
// side. The provider payload is kept opaque; only the identifier is read back
// when binding an order to the quote.
type Quote struct {
	ID        string    `json:"quoteId"`
	Pair      Pair      `json:"pair"`
	Side      Side      `json:"side"`
	Rate      float64   `json:"price"`
	Fee       string    `json:"fee"`
	ExpiresAt time.Time `json:"quoteExpiresAt"`

	// Raw carries whatever else the provider returned, untouched.
	Raw map[string]interface{} `json:"-"`
}

// Expired reports whether the quote's commitment window has lapsed.
func (q *Quote) Expired(now time.Time) bool {
	return !q.ExpiresAt.After(now)
}

// Leg is one side of an order's value movement. An empty Amount is omitted on
// the wire so the provider infers it from the authoritative leg.
type Leg struct {
	Symbol string `json:"symbol"`
	Amount string `json:"amount,omitempty"`
}

// OrderAttributes is the provider-populated attribute bag inspected at the
// confirm step to pick a payment rail sub-state.
type OrderAttributes struct {
	AuthorisationURL string        `json:"authorisationUrl,omitempty"`
	Everypay         *EverypayInfo `json:"everypay,omitempty"`
	CardProvider     *CardProvider `json:"cardProvider,omitempty"`
	RedirectURL      string        `json:"redirectURL,omitempty"`
	Callback         string        `json:"callback,omitempty"`

	ApplePayToken  string `json:"applePayPaymentToken,omitempty"`
	GooglePayToken string `json:"googlePayPayload,omitempty"`
}

type EverypayInfo struct {
	CustomerURL  string `json:"customerUrl,omitempty"`
	PaymentState string `json:"paymentState,omitempty"`
}

type CardProvider struct {
	CardAcquirerName CardAcquirer `json:"cardAcquirerName"`
	PaymentState     string       `json:"paymentState"`
}

// Order is a provider-tracked trade record. Created by the create-order call,
// mutated only by confirm/poll updates, immutable once State is terminal.
type Order struct {
	DBID int    `storm:"id,increment" json:"-"`
	ID   string `storm:"unique" json:"id"`

	Pair  Pair  `json:"pair"`
	Side  Side  `json:"side"`
	State OrderState `storm:"index" json:"state"`

	InputQuantity  string `json:"inputQuantity"`
	OutputQuantity string `json:"outputQuantity"`
	InputCurrency  string `json:"inputCurrency"`
	OutputCurrency string `json:"outputCurrency"`

	PaymentType     PaymentType `json:"paymentType"`
	PaymentMethodID string      `json:"paymentMethodId,omitempty"`

	DepositAddress string `json:"depositAddress,omitempty"`
	RefundAddress  string `json:"refundAddress,omitempty"`

	QuoteID    string           `json:"quoteId,omitempty"`
	Attributes *OrderAttributes `json:"attributes,omitempty"`

	CreatedAt int64 `storm:"index" json:"insertedAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// Cancellable reports whether the provider will still accept a cancel for
// this order.
func (o *Order) Cancellable() bool {
	return o.State == OrderStatePendingConfirmation
}

// Pending reports whether the order still needs user action or settlement.
func (o *Order) Pending() bool {
	return o.State == OrderStatePendingConfirmation || o.State == OrderStatePendingDeposit
}

// Card is a linked payment card, polled after registration until activation
// settles one way or the other.
type Card struct {
	ID    string    `json:"id"`
	State CardState `json:"state"`

	// LastError is the provider classification when activation failed.
	LastError string `json:"lastError,omitempty"`
}

type CardState string

const (
	CardStateCreated CardState = "CREATED"
	CardStatePending CardState = "PENDING"
	CardStateActive  CardState = "ACTIVE"
	CardStateBlocked CardState = "BLOCKED"
	CardStateExpired CardState = "EXPIRED"
)

// CardAcquirerInfo describes a card acquirer offered by the provider, used by
// the payment-provider determination step.
type CardAcquirerInfo struct {
	CardAcquirerName         CardAcquirer `json:"cardAcquirerName"`
	CardAcquirerAccountCodes []string     `json:"cardAcquirerAccountCodes"`
	APIKey                   string       `json:"apiKey"`
}

// EligibilityReason explains why a product is gated for the user.
type EligibilityReason struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// EU5Sanction is a policy restriction whose provider message is not shown to
// the user; the UI substitutes its own copy.
const EU5Sanction = "EU_5_SANCTION"

type ProductEligibility struct {
	Buy struct {
		Enabled           bool               `json:"enabled"`
		MaxOrdersLeft     int                `json:"maxOrdersLeft"`
		ReasonNotEligible *EligibilityReason `json:"reasonNotEligible,omitempty"`
	} `json:"buy"`
	Sell struct {
		Enabled           bool               `json:"enabled"`
		ReasonNotEligible *EligibilityReason `json:"reasonNotEligible,omitempty"`
	} `json:"sell"`
}

// RetryBudget bounds a polling loop: at most MaxAttempts checks, Interval
// apart.
type RetryBudget struct {
	MaxAttempts int
	Interval    time.Duration
}

// DefaultRetryBudget matches the provider's suggested polling cadence.
func DefaultRetryBudget() RetryBudget {
	return RetryBudget{MaxAttempts: 10, Interval: 2 * time.Second}
}

// BankAccount is a linked bank-transfer funding source.
type BankAccount struct {
	ID      string      `json:"id"`
	Partner BankPartner `json:"partner"`
}
