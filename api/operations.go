package api

import (
	"context"
	"net/http"
	"net/url"

	"decred.org/dcrwallet/v2/errors"

	"code.cryptopower.dev/group/brokerage"
)

// CreateOrderParams is the create-order request body. The non-authoritative
// leg's amount is left empty so the backend infers it.
type CreateOrderParams struct {
	Pair    brokerage.Pair `json:"pair"`
	Side    brokerage.Side `json:"action"`
	Pending bool           `json:"pending"`

	Input  brokerage.Leg `json:"input"`
	Output brokerage.Leg `json:"output"`

	PaymentType     brokerage.PaymentType `json:"paymentType"`
	PaymentMethodID string                `json:"paymentMethodId,omitempty"`
	Period          string                `json:"period,omitempty"`
	QuoteID         string                `json:"quoteId,omitempty"`
}

// SellOrderParams is the create request for the sell/swap direction.
type SellOrderParams struct {
	Direction     string `json:"direction"`
	QuoteID       string `json:"quoteId"`
	BaseAmount    string `json:"volume"`
	FiatCurrency  string `json:"ccy"`
	Destination   string `json:"destinationAddress,omitempty"`
	RefundAddress string `json:"refundAddress,omitempty"`
}

// MerchantSessionInfo is passed to the backend to validate a mobile-wallet
// merchant session before the user authorizes payment.
type MerchantSessionInfo struct {
	BeneficiaryID string `json:"beneficiaryID"`
	Domain        string `json:"domain"`
	ValidationURL string `json:"validationURL"`
}

// MobilePaymentInfo is the merchant configuration for a mobile wallet rail.
type MobilePaymentInfo struct {
	BeneficiaryID           string `json:"beneficiaryID"`
	MerchantBankCountryCode string `json:"merchantBankCountryCode"`
	AllowCreditCards        bool   `json:"allowCreditCards"`
	Parameters              string `json:"parameters,omitempty"`
}

// GetQuote fetches a simple quote for pair/side at amount.
func (c *Client) GetQuote(ctx context.Context, pair brokerage.Pair, side brokerage.Side, amount string) (*brokerage.Quote, error) {
	const op errors.Op = "api.GetQuote"

	query := url.Values{}
	query.Set("currencyPair", string(pair))
	query.Set("action", string(side))
	query.Set("amount", amount)

	quote := new(brokerage.Quote)
	err := c.do(ctx, &reqConfig{method: http.MethodGet, path: "/simple-buy/quote", query: query}, quote)
	if err != nil {
		return nil, errors.E(op, err)
	}
	quote.Pair = pair
	quote.Side = side
	return quote, nil
}

// GetBuyQuote fetches a flexible-pricing buy quote. The pair is reversed on
// the wire; paymentMethodID is required only for bank transfers.
func (c *Client) GetBuyQuote(ctx context.Context, pair brokerage.Pair, profile, amount string,
	paymentMethod brokerage.PaymentType, paymentMethodID string) (*brokerage.Quote, error) {
	const op errors.Op = "api.GetBuyQuote"

	payload := map[string]interface{}{
		"inputValue":    amount,
		"pair":          pair.Reverse(),
		"paymentMethod": paymentMethod,
		"profile":       profile,
	}
	if paymentMethod == brokerage.PaymentTypeBankTransfer && paymentMethodID != "" {
		payload["paymentMethodId"] = paymentMethodID
	}

	quote := new(brokerage.Quote)
	err := c.do(ctx, &reqConfig{method: http.MethodPost, path: "/brokerage/quote", payload: payload}, quote)
	if err != nil {
		return nil, errors.E(op, err)
	}
	quote.Pair = pair
	quote.Side = brokerage.Buy
	return quote, nil
}

// GetSellQuote fetches a sell quote for pair in the given custody direction.
func (c *Client) GetSellQuote(ctx context.Context, pair brokerage.Pair, direction string) (*brokerage.Quote, error) {
	const op errors.Op = "api.GetSellQuote"

	query := url.Values{}
	query.Set("product", "BROKERAGE")
	query.Set("direction", direction)
	query.Set("pair", string(pair))

	quote := new(brokerage.Quote)
	err := c.do(ctx, &reqConfig{method: http.MethodGet, path: "/custodial/quote", query: query}, quote)
	if err != nil {
		return nil, errors.E(op, err)
	}
	quote.Pair = pair
	quote.Side = brokerage.Sell
	return quote, nil
}

// CreateOrder submits a new order. With pending=true the order is created in
// PENDING_CONFIRMATION and must be confirmed separately.
func (c *Client) CreateOrder(ctx context.Context, params CreateOrderParams) (*brokerage.Order, error) {
	const op errors.Op = "api.CreateOrder"

	query := url.Values{}
	if params.Pending {
		query.Set("action", "pending")
	}

	order := new(brokerage.Order)
	err := c.do(ctx, &reqConfig{method: http.MethodPost, path: "/simple-buy/trades", query: query, payload: params}, order)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return order, nil
}

// CreateSellOrder submits a sell/swap order against quoteID.
func (c *Client) CreateSellOrder(ctx context.Context, params SellOrderParams) (*brokerage.Order, error) {
	const op errors.Op = "api.CreateSellOrder"

	order := new(brokerage.Order)
	err := c.do(ctx, &reqConfig{method: http.MethodPost, path: "/custodial/trades", payload: params}, order)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return order, nil
}

// UpdateSellOrder reports a deposit broadcast (DEPOSIT_SENT) or requests a
// compensating cancel (CANCEL) for a sell order.
func (c *Client) UpdateSellOrder(ctx context.Context, orderID, action string) error {
	const op errors.Op = "api.UpdateSellOrder"

	payload := map[string]string{"action": action}
	err := c.do(ctx, &reqConfig{method: http.MethodPost, path: "/custodial/trades/" + orderID, payload: payload}, nil)
	if err != nil {
		return errors.E(op, err)
	}
	return nil
}

// ConfirmOrder confirms a pending order with the rail-specific attributes.
func (c *Client) ConfirmOrder(ctx context.Context, order *brokerage.Order,
	attributes *brokerage.OrderAttributes, paymentMethodID string) (*brokerage.Order, error) {
	const op errors.Op = "api.ConfirmOrder"

	payload := map[string]interface{}{"action": "confirm"}
	if attributes != nil {
		payload["attributes"] = attributes
	}
	if paymentMethodID != "" {
		payload["paymentMethodId"] = paymentMethodID
	}

	confirmed := new(brokerage.Order)
	err := c.do(ctx, &reqConfig{method: http.MethodPost, path: "/simple-buy/trades/" + order.ID, payload: payload}, confirmed)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return confirmed, nil
}

// CancelOrder cancels order. A conflict response means the order already
// settled; that is success, not failure.
func (c *Client) CancelOrder(ctx context.Context, order *brokerage.Order) error {
	const op errors.Op = "api.CancelOrder"

	err := c.do(ctx, &reqConfig{method: http.MethodDelete, path: "/simple-buy/trades/" + order.ID}, nil)
	if err != nil {
		if brokerage.IsConflict(err) {
			log.Debugf("cancel of order %s conflicted, already settled", order.ID)
			return nil
		}
		return errors.E(op, err)
	}
	return nil
}

// GetOrder fetches the current provider record for orderID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*brokerage.Order, error) {
	const op errors.Op = "api.GetOrder"

	order := new(brokerage.Order)
	err := c.do(ctx, &reqConfig{method: http.MethodGet, path: "/simple-buy/trades/" + orderID}, order)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return order, nil
}

// GetOrders fetches the user's orders, newest first.
func (c *Client) GetOrders(ctx context.Context) ([]*brokerage.Order, error) {
	const op errors.Op = "api.GetOrders"

	var orders []*brokerage.Order
	err := c.do(ctx, &reqConfig{method: http.MethodGet, path: "/simple-buy/trades"}, &orders)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return orders, nil
}

// GetCard fetches a linked card record.
func (c *Client) GetCard(ctx context.Context, cardID string) (*brokerage.Card, error) {
	const op errors.Op = "api.GetCard"

	card := new(brokerage.Card)
	err := c.do(ctx, &reqConfig{method: http.MethodGet, path: "/payments/cards/" + cardID}, card)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return card, nil
}

// GetCardAcquirers lists the card acquirers available to the user.
func (c *Client) GetCardAcquirers(ctx context.Context) ([]brokerage.CardAcquirerInfo, error) {
	const op errors.Op = "api.GetCardAcquirers"

	var acquirers []brokerage.CardAcquirerInfo
	err := c.do(ctx, &reqConfig{method: http.MethodGet, path: "/payments/card-acquirers"}, &acquirers)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return acquirers, nil
}

// GetEligibility fetches the user's product eligibility.
func (c *Client) GetEligibility(ctx context.Context) (*brokerage.ProductEligibility, error) {
	const op errors.Op = "api.GetEligibility"

	eligibility := new(brokerage.ProductEligibility)
	err := c.do(ctx, &reqConfig{method: http.MethodGet, path: "/products"}, eligibility)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return eligibility, nil
}

// GetBankAccounts lists the user's linked bank-transfer accounts.
func (c *Client) GetBankAccounts(ctx context.Context) ([]brokerage.BankAccount, error) {
	const op errors.Op = "api.GetBankAccounts"

	var accounts []brokerage.BankAccount
	err := c.do(ctx, &reqConfig{method: http.MethodGet, path: "/payments/banktransfer"}, &accounts)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return accounts, nil
}

// GetMobilePaymentInfo fetches the merchant configuration for a mobile wallet
// rail in fiatCurrency.
func (c *Client) GetMobilePaymentInfo(ctx context.Context, method brokerage.MobilePaymentType, fiatCurrency string) (*MobilePaymentInfo, error) {
	const op errors.Op = "api.GetMobilePaymentInfo"

	path := "/payments/apple-pay/info"
	if method == brokerage.MobilePaymentGooglePay {
		path = "/payments/google-pay/info"
	}

	query := url.Values{}
	query.Set("currency", fiatCurrency)

	info := new(MobilePaymentInfo)
	err := c.do(ctx, &reqConfig{method: http.MethodGet, path: path, query: query}, info)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return info, nil
}

// ValidateMerchantSession asks the backend to validate a mobile-wallet
// merchant session and returns the opaque session payload.
func (c *Client) ValidateMerchantSession(ctx context.Context, info MerchantSessionInfo) (string, error) {
	const op errors.Op = "api.ValidateMerchantSession"

	var resp struct {
		Payload string `json:"applePayPayload"`
	}
	err := c.do(ctx, &reqConfig{method: http.MethodPost, path: "/payments/apple-pay/validate-merchant", payload: info}, &resp)
	if err != nil {
		return "", errors.E(op, err)
	}
	return resp.Payload, nil
}
