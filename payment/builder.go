// Package payment constructs non-custodial on-chain payment drafts. A draft
// is assembled incrementally (fee, source, destination, amount) and frozen
// into an immutable snapshot by Build; broadcasting is a separate concern
// behind the Broadcaster interface.
package payment

import (
	"context"

	"decred.org/dcrwallet/v2/errors"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"

	"code.cryptopower.dev/group/brokerage"
)

// FeeTier selects the fee estimate class for a draft.
type FeeTier string

const (
	FeeRegular  FeeTier = "regular"
	FeePriority FeeTier = "priority"
)

// BalanceSource reports the spendable balance of a source account, in base
// units.
type BalanceSource interface {
	SpendableBalance(source Source) (int64, error)
}

// FeeEstimator quotes the network fee, in base units, for a draft of the
// given tier on coin.
type FeeEstimator interface {
	EstimateFee(coin string, tier FeeTier) (int64, error)
}

// AddressValidator checks a destination address for coin/network validity.
type AddressValidator interface {
	ValidAddress(coin, network, address string) bool
}

// Broadcaster signs and publishes a built payment to the chain, returning the
// transaction id.
type Broadcaster interface {
	BuildAndPublish(ctx context.Context, payment *Payment, depositAddress string) (string, error)
}

// Source is a self-custody source account reference: an address, or a
// derivation index for HD wallets.
type Source struct {
	Address string
	Index   int32
}

// Payment is an immutable draft snapshot. Rebuilding after a field change
// produces a new snapshot; a Payment is never mutated in place.
type Payment struct {
	Coin    string
	Network string
	IsToken bool

	Source      Source
	Destination string

	// Amount and Fee are in base units.
	Amount btcutil.Amount
	Fee    btcutil.Amount
	Tier   FeeTier

	// EffectiveBalance is what the source can spend after the fee. A
	// zero-balance snapshot with Degraded set is the placeholder produced
	// when the draft could not be costed; consumers always get a usable
	// value, never an error.
	EffectiveBalance btcutil.Amount
	Degraded         bool
}

// Builder assembles a Payment. Setters may be called in any order and
// re-called to adjust a single field; Build only reconstructs when something
// changed since the last snapshot.
type Builder struct {
	coin    string
	network string
	isToken bool

	tier        FeeTier
	source      Source
	destination string
	amount      decimal.Decimal

	balances  BalanceSource
	fees      FeeEstimator
	validator AddressValidator

	lastBuilt      *Payment
	needsConstruct bool
}

// NewBuilder starts a draft for coin on network.
func NewBuilder(coin, network string, balances BalanceSource, fees FeeEstimator, validator AddressValidator) *Builder {
	return &Builder{
		coin:           coin,
		network:        network,
		tier:           FeePriority,
		balances:       balances,
		fees:           fees,
		validator:      validator,
		needsConstruct: true,
	}
}

// Init marks whether the draft moves a token rather than the chain's native
// asset; token transfers are costed in the parent chain's units.
func (b *Builder) Init(isToken bool) *Builder {
	b.isToken = isToken
	b.needsConstruct = true
	return b
}

// SetFee selects the fee tier.
func (b *Builder) SetFee(tier FeeTier) *Builder {
	b.tier = tier
	b.needsConstruct = true
	return b
}

// SetSource sets the funding account.
func (b *Builder) SetSource(source Source) *Builder {
	b.source = source
	b.needsConstruct = true
	return b
}

// SetDestination sets the receiving address.
func (b *Builder) SetDestination(address string) *Builder {
	b.destination = address
	b.needsConstruct = true
	return b
}

// SetAmount sets the send amount in display units. Changing only the amount
// leaves fee, source and destination as previously specified.
func (b *Builder) SetAmount(amount decimal.Decimal) *Builder {
	b.amount = amount
	b.needsConstruct = true
	return b
}

// Build freezes the draft into a snapshot. Costing failures (insufficient
// balance, invalid destination, estimator errors) never propagate: the
// builder degrades to a zero-balance placeholder so the consumer always has
// a renderable result.
func (b *Builder) Build() *Payment {
	if !b.needsConstruct && b.lastBuilt != nil {
		return b.lastBuilt
	}

	payment, err := b.construct()
	if err != nil {
		log.Debugf("payment draft for %s degraded: %v", b.coin, err)
		payment = &Payment{
			Coin:             b.coin,
			Network:          b.network,
			IsToken:          b.isToken,
			Source:           b.source,
			Destination:      b.destination,
			Tier:             b.tier,
			EffectiveBalance: 0,
			Degraded:         true,
		}
	}

	b.lastBuilt = payment
	b.needsConstruct = false
	return payment
}

func (b *Builder) construct() (*Payment, error) {
	const op errors.Op = "payment.Build"

	if b.destination != "" && !b.validator.ValidAddress(b.coin, b.network, b.destination) {
		return nil, errors.E(op, errors.Errorf("invalid %s destination address", b.coin))
	}

	fee, err := b.fees.EstimateFee(b.coin, b.tier)
	if err != nil {
		return nil, errors.E(op, err)
	}

	spendable, err := b.balances.SpendableBalance(b.source)
	if err != nil {
		return nil, errors.E(op, err)
	}

	effective := spendable - fee
	if effective < 0 {
		effective = 0
	}

	amountBase, err := decimal.NewFromString(brokerage.ConvertStandardToBase(b.coin, b.amount))
	if err != nil {
		return nil, errors.E(op, err)
	}
	amount := amountBase.IntPart()

	if amount > effective {
		return nil, errors.E(op, errors.E(errors.InsufficientBalance))
	}

	return &Payment{
		Coin:             b.coin,
		Network:          b.network,
		IsToken:          b.isToken,
		Source:           b.source,
		Destination:      b.destination,
		Amount:           btcutil.Amount(amount),
		Fee:              btcutil.Amount(fee),
		Tier:             b.tier,
		EffectiveBalance: btcutil.Amount(effective),
	}, nil
}
