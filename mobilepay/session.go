// Package mobilepay bridges the external one-shot mobile-wallet payment
// flows (Apple Pay, Google Pay) into cancellable token-issuance calls. Each
// invocation resolves exactly once: with an opaque payment token, or with an
// error, and a user abort is always a CancellationError rather than a
// generic failure. The bridge never retries; retry policy belongs to the
// caller.
package mobilepay

import (
	"context"

	"decred.org/dcrwallet/v2/errors"

	"code.cryptopower.dev/group/brokerage"
)

// Token is an opaque payment token minted by the wallet provider.
type Token string

// EventKind tags events emitted by the provider flow.
type EventKind int

const (
	// EventValidate asks the backend to validate the merchant session
	// before the user may authorize payment.
	EventValidate EventKind = iota
	// EventAuthorized delivers the payment token.
	EventAuthorized
	// EventCancelled reports a user abort.
	EventCancelled
)

// Event is one occurrence in the provider flow.
type Event struct {
	Kind EventKind

	// ValidationURL accompanies EventValidate.
	ValidationURL string

	// Token accompanies EventAuthorized.
	Token Token
}

// ProviderSession is the started external flow: a stream of events plus the
// two controls the bridge may exercise. The event channel is closed when the
// provider flow ends for any reason.
type ProviderSession interface {
	Events() <-chan Event
	CompleteValidation(sessionPayload string) error
	Abort()
}

// Validator validates a merchant session with the backend, returning the
// opaque session payload the provider flow resumes with.
type Validator interface {
	ValidateSession(ctx context.Context, beneficiaryID, domain, validationURL string) (string, error)
}

// Request describes the payment the user is asked to authorize.
type Request struct {
	Method brokerage.MobilePaymentType

	BeneficiaryID string
	Domain        string

	CountryCode  string
	CurrencyCode string

	// Amount is in display units; order input quantities are minor units
	// and must be converted before building a Request.
	Amount string

	AllowCreditCards bool
}

// Run drives session to a single resolution. On a validation event the
// backend validates the merchant session: success resumes the provider flow,
// failure aborts it and surfaces the validation error. An authorization
// event resolves with the token. User cancellation, or the provider flow
// ending without authorization, rejects with a CancellationError.
func Run(ctx context.Context, session ProviderSession, req Request, validator Validator) (Token, error) {
	const op errors.Op = "mobilepay.Run"

	log.Infof("%s session started for %s %s", req.Method, req.Amount, req.CurrencyCode)

	for {
		select {
		case <-ctx.Done():
			session.Abort()
			return "", errors.E(op, ctx.Err())

		case ev, ok := <-session.Events():
			if !ok {
				return "", &brokerage.CancellationError{Reason: "provider session ended"}
			}

			switch ev.Kind {
			case EventValidate:
				payload, err := validator.ValidateSession(ctx, req.BeneficiaryID, req.Domain, ev.ValidationURL)
				if err != nil {
					session.Abort()
					return "", errors.E(op, err)
				}
				if err := session.CompleteValidation(payload); err != nil {
					session.Abort()
					return "", errors.E(op, err)
				}

			case EventAuthorized:
				log.Debugf("%s session authorized", req.Method)
				return ev.Token, nil

			case EventCancelled:
				return "", &brokerage.CancellationError{}
			}
		}
	}
}
