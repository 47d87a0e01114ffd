package trade

import (
	"context"

	"github.com/shopspring/decimal"

	"code.cryptopower.dev/group/brokerage"
	"code.cryptopower.dev/group/brokerage/api"
)

// StepKind enumerates the points of the order lifecycle. Exactly one Step is
// active per flow instance; only the flow's orchestrating task may change it.
type StepKind int

const (
	StepCryptoSelection StepKind = iota
	StepEnterAmount
	StepDeterminePaymentProvider
	StepAddCard
	StepCreateOrder
	StepCheckoutConfirm
	Step3DSHandlerEverypay
	Step3DSHandlerStripe
	Step3DSHandlerCheckout
	StepOpenBankingConnect
	StepLoading
	StepOrderSummary
	StepSellOrderSummary
	StepUpgradeRequired
	StepRestricted
	StepFailed
)

// String returns the step name used in logs.
func (k StepKind) String() string {
	switch k {
	case StepCryptoSelection:
		return "CRYPTO_SELECTION"
	case StepEnterAmount:
		return "ENTER_AMOUNT"
	case StepDeterminePaymentProvider:
		return "DETERMINE_PAYMENT_PROVIDER"
	case StepAddCard:
		return "ADD_CARD"
	case StepCreateOrder:
		return "CREATE_ORDER"
	case StepCheckoutConfirm:
		return "CHECKOUT_CONFIRM"
	case Step3DSHandlerEverypay:
		return "3DS_HANDLER_EVERYPAY"
	case Step3DSHandlerStripe:
		return "3DS_HANDLER_STRIPE"
	case Step3DSHandlerCheckout:
		return "3DS_HANDLER_CHECKOUTDOTCOM"
	case StepOpenBankingConnect:
		return "OPEN_BANKING_CONNECT"
	case StepLoading:
		return "LOADING"
	case StepOrderSummary:
		return "ORDER_SUMMARY"
	case StepSellOrderSummary:
		return "SELL_ORDER_SUMMARY"
	case StepUpgradeRequired:
		return "UPGRADE_REQUIRED"
	case StepRestricted:
		return "RESTRICTED"
	case StepFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Step is the active lifecycle point plus whatever context that point needs.
type Step struct {
	Kind StepKind

	Pair   brokerage.Pair
	Side   brokerage.Side
	Method brokerage.PaymentType

	OrderID string

	// Message carries the optional explanation on StepRestricted.
	Message string

	// Card-acquirer context for StepAddCard.
	AcquirerAccountCodes []string
	AcquirerAPIKey       string
}

// AccountType distinguishes provider-held funds from self-custody sources
// that require an on-chain broadcast.
type AccountType int

const (
	AccountCustodial AccountType = iota
	AccountNonCustodial
)

// Account is the funding or receiving account selected for a trade.
type Account struct {
	Coin    string
	Address string
	Index   int32
	Type    AccountType
	IsToken bool
}

// Custody directions understood by the sell/swap endpoints.
const (
	DirectionInternal    = "INTERNAL"
	DirectionFromUserKey = "FROM_USERKEY"
)

// Direction returns the custody direction for a sell funded from account.
func (a *Account) Direction() string {
	if a != nil && a.Type == AccountNonCustodial {
		return DirectionFromUserKey
	}
	return DirectionInternal
}

// CheckoutValues are the user-entered trade parameters, preserved across a
// failed create/confirm so the user re-enters an editable state with prior
// input intact.
type CheckoutValues struct {
	Pair   brokerage.Pair
	Side   brokerage.Side
	Fix    brokerage.Fix
	Amount decimal.Decimal
	Period string
}

// CreateParams is the inbound create-order command.
type CreateParams struct {
	PaymentType         brokerage.PaymentType
	PaymentMethodID     string
	MobilePaymentMethod brokerage.MobilePaymentType
}

// ConfirmParams is the inbound confirm command. Order is the record the UI
// holds; under flexible pricing it is compared against the freshest order
// before confirming.
type ConfirmParams struct {
	Order               *brokerage.Order
	PaymentMethodID     string
	MobilePaymentMethod brokerage.MobilePaymentType
}

// InitParams seeds a checkout: selection, amount and funding source.
type InitParams struct {
	Pair            brokerage.Pair
	Side            brokerage.Side
	Fix             brokerage.Fix
	Amount          decimal.Decimal
	Period          string
	Account         *Account
	PaymentType     brokerage.PaymentType
	PaymentMethodID string
}

// Provider is the brokerage backend surface the flow drives. *api.Client
// satisfies it; tests substitute a recording fake.
type Provider interface {
	GetBuyQuote(ctx context.Context, pair brokerage.Pair, profile, amount string,
		paymentMethod brokerage.PaymentType, paymentMethodID string) (*brokerage.Quote, error)
	GetSellQuote(ctx context.Context, pair brokerage.Pair, direction string) (*brokerage.Quote, error)

	CreateOrder(ctx context.Context, params api.CreateOrderParams) (*brokerage.Order, error)
	CreateSellOrder(ctx context.Context, params api.SellOrderParams) (*brokerage.Order, error)
	UpdateSellOrder(ctx context.Context, orderID, action string) error
	ConfirmOrder(ctx context.Context, order *brokerage.Order,
		attributes *brokerage.OrderAttributes, paymentMethodID string) (*brokerage.Order, error)
	CancelOrder(ctx context.Context, order *brokerage.Order) error
	GetOrder(ctx context.Context, orderID string) (*brokerage.Order, error)
	GetOrders(ctx context.Context) ([]*brokerage.Order, error)

	GetCard(ctx context.Context, cardID string) (*brokerage.Card, error)
	GetCardAcquirers(ctx context.Context) ([]brokerage.CardAcquirerInfo, error)
	GetEligibility(ctx context.Context) (*brokerage.ProductEligibility, error)
	GetBankAccounts(ctx context.Context) ([]brokerage.BankAccount, error)
	GetMobilePaymentInfo(ctx context.Context, method brokerage.MobilePaymentType,
		fiatCurrency string) (*api.MobilePaymentInfo, error)
	ValidateMerchantSession(ctx context.Context, info api.MerchantSessionInfo) (string, error)
}

var _ Provider = (*api.Client)(nil)

// The quote profile used for flexible-pricing buy quotes.
const buyQuoteProfile = "SIMPLEBUY"
