package brokerage

import "time"

// NetworkType selects the provider environment.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config carries the engine-wide knobs. Zero values are filled in by
// DefaultConfig; subsystems take the whole struct and read what they need.
type Config struct {
	Network NetworkType

	// BaseURL is the brokerage backend root.
	BaseURL string

	// ComRootURL and WalletHelperURL build the redirect/callback links handed
	// to card and bank rails at confirm time.
	ComRootURL      string
	WalletHelperURL string

	// QuoteSafetyMargin is subtracted from a quote's remaining lifetime when
	// scheduling its refresh, so a fresh quote is in hand before expiry.
	QuoteSafetyMargin time.Duration

	// QuoteFallbackDelay is how long a failed quote loop waits before
	// settling into the stopped state that requires an explicit restart.
	QuoteFallbackDelay time.Duration

	// PollBudget bounds all status polling loops.
	PollBudget RetryBudget

	// FlexiblePricing enables the short-lived-quote mode in which the bound
	// provider order is recreated to track each fresh quote.
	FlexiblePricing bool
}

// DefaultConfig returns the mainnet configuration.
func DefaultConfig() Config {
	return Config{
		Network:            Mainnet,
		BaseURL:            "https://api.blockchain.info/nabu-gateway",
		ComRootURL:         "https://www.blockchain.com",
		WalletHelperURL:    "https://wallet-helper.blockchain.com",
		QuoteSafetyMargin:  10 * time.Second,
		QuoteFallbackDelay: 5 * time.Second,
		PollBudget:         DefaultRetryBudget(),
	}
}

// PaymentSuccessLink is the 3DS return URL handed to card acquirers.
func (c Config) PaymentSuccessLink() string {
	return c.WalletHelperURL + "/wallet-helper/3ds-payment-success/#/"
}

// BankLinkSuccessLink is the open-banking callback handed to bank rails.
func (c Config) BankLinkSuccessLink() string {
	return c.ComRootURL + "/brokerage-link-success"
}
