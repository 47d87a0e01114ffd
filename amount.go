package brokerage

import (
	"github.com/shopspring/decimal"
)

// FiatSymbol is the pseudo-symbol used when converting fiat amounts; all
// supported fiat currencies use two decimal places (minor units).
const FiatSymbol = "FIAT"

const fiatDecimals = 2

// coinDecimals maps crypto symbols to the number of base-unit decimal places.
// Unlisted coins fall back to 8, which covers the UTXO family.
var coinDecimals = map[string]int32{
	"BTC":  8,
	"BCH":  8,
	"LTC":  8,
	"DCR":  8,
	"ETH":  18,
	"USDT": 6,
	"USDC": 6,
	"XLM":  7,
}

// Decimals returns the base-unit decimal places for symbol.
func Decimals(symbol string) int32 {
	if symbol == FiatSymbol {
		return fiatDecimals
	}
	if d, ok := coinDecimals[symbol]; ok {
		return d
	}
	return 8
}

// ConvertStandardToBase converts a display amount ("100", "0.01") to the
// provider's base units (minor units for fiat, atoms/sats for crypto),
// truncating any sub-base precision.
func ConvertStandardToBase(symbol string, standard decimal.Decimal) string {
	return standard.Shift(Decimals(symbol)).Truncate(0).String()
}

// ConvertBaseToStandard converts a base-unit amount back to display units.
func ConvertBaseToStandard(symbol string, base string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(base)
	if err != nil {
		return decimal.Zero, err
	}
	return d.Shift(-Decimals(symbol)), nil
}

// CryptoFromFiat derives the crypto leg from a fiat amount at rate, rounded
// to the precision base-unit conversion can represent.
func CryptoFromFiat(fiatAmount, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() {
		return decimal.Zero
	}
	return fiatAmount.DivRound(rate, 8)
}

// FiatFromCrypto derives the fiat leg from a crypto amount at rate.
func FiatFromCrypto(cryptoAmount, rate decimal.Decimal) decimal.Decimal {
	return cryptoAmount.Mul(rate).Round(fiatDecimals)
}
