package trade

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/asdine/storm"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"code.cryptopower.dev/group/brokerage"
	"code.cryptopower.dev/group/brokerage/api"
	"code.cryptopower.dev/group/brokerage/mobilepay"
)

var _ = Describe("Flow", func() {
	var (
		cfg         brokerage.Config
		provider    *fakeProvider
		listener    *recordingListener
		broadcaster *fakeBroadcaster
		sessions    *fakeSessionFactory

		dir   string
		db    *storm.DB
		store *brokerage.Store
		flow  *Flow
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "trade-test")
		Expect(err).To(BeNil())

		db, err = storm.Open(filepath.Join(dir, "orders.db"))
		Expect(err).To(BeNil())

		store, err = brokerage.NewStore(db)
		Expect(err).To(BeNil())

		cfg = brokerage.DefaultConfig()
		provider = newFakeProvider()
		listener = new(recordingListener)
		broadcaster = new(fakeBroadcaster)
		sessions = nil
		flow = nil
	})

	AfterEach(func() {
		if flow != nil {
			flow.Close()
		}
		db.Close()
		os.RemoveAll(dir)
	})

	build := func(side brokerage.Side, coin string) {
		var err error
		flow, err = NewFlow(cfg, Deps{
			Provider:    provider,
			Store:       store,
			Sessions:    sessions,
			Broadcaster: broadcaster,
			Balances:    fakeBalances{balance: 100_000_000},
			Fees:        fakeFees{fee: 10_000},
			Addresses:   fakeValidator{},
		})
		Expect(err).To(BeNil())
		Expect(flow.AddListener(listener, "test")).To(Succeed())
		Expect(flow.Start(context.Background(), side, coin)).To(Succeed())
	}

	beginBuyCheckout := func(paymentType brokerage.PaymentType, methodID string) {
		build(brokerage.Buy, "BTC")
		Expect(flow.InitializeCheckout(InitParams{
			Pair:            "BTC-USD",
			Side:            brokerage.Buy,
			Fix:             brokerage.FixFiat,
			Amount:          decimal.NewFromInt(100),
			PaymentType:     paymentType,
			PaymentMethodID: methodID,
		})).To(Succeed())
		Eventually(flow.BuyQuote, "2s").ShouldNot(BeNil())
	}

	selfCustody := &Account{
		Coin:    "BTC",
		Address: "bc1qsource",
		Type:    AccountNonCustodial,
	}

	beginSellCheckout := func() {
		build(brokerage.Sell, "BTC")
		Expect(flow.InitializeCheckout(InitParams{
			Pair:    "BTC-USD",
			Side:    brokerage.Sell,
			Fix:     brokerage.FixCrypto,
			Amount:  decimal.RequireFromString("0.004"),
			Account: selfCustody,
		})).To(Succeed())
		Eventually(func() *brokerage.Quote {
			flow.mu.RLock()
			defer flow.mu.RUnlock()
			return flow.sellQuote
		}, "2s").ShouldNot(BeNil())
	}

	Describe("entry gate", func() {
		It("lands an eligible user on amount entry", func() {
			build(brokerage.Buy, "BTC")
			Expect(flow.Step().Kind).To(Equal(StepEnterAmount))
			Expect(provider.ordersFetched()).To(Equal(1))
		})

		It("lands on crypto selection when nothing was chosen", func() {
			build(brokerage.Buy, "")
			Expect(flow.Step().Kind).To(Equal(StepCryptoSelection))
		})

		It("cancels a stale order and refetches exactly once more", func() {
			provider.orders = []*brokerage.Order{
				{ID: "stale-1", Pair: "BTC-USD", Side: brokerage.Buy,
					State: brokerage.OrderStatePendingConfirmation, CreatedAt: 1},
			}

			build(brokerage.Buy, "BTC")

			Expect(provider.snapshotCancelled()).To(Equal([]string{"stale-1"}))
			Expect(provider.ordersFetched()).To(Equal(2))
			Expect(flow.Step().Kind).To(Equal(StepEnterAmount))
		})

		It("blocks a restricted user, keeping the provider's explanation", func() {
			provider.eligibility.Buy.Enabled = false
			provider.eligibility.Buy.ReasonNotEligible = &brokerage.EligibilityReason{
				Reason: "TIER_TOO_LOW", Message: "upgrade to gold",
			}

			build(brokerage.Buy, "BTC")

			step := flow.Step()
			Expect(step.Kind).To(Equal(StepRestricted))
			Expect(step.Message).To(Equal("upgrade to gold"))
		})

		It("suppresses the sanctions message", func() {
			provider.eligibility.Buy.Enabled = false
			provider.eligibility.Buy.ReasonNotEligible = &brokerage.EligibilityReason{
				Reason: brokerage.EU5Sanction, Message: "provider copy",
			}

			build(brokerage.Buy, "BTC")

			step := flow.Step()
			Expect(step.Kind).To(Equal(StepRestricted))
			Expect(step.Message).To(BeEmpty())
		})

		It("requires an upgrade when the order allowance is spent", func() {
			provider.eligibility.Buy.MaxOrdersLeft = 0

			build(brokerage.Buy, "BTC")
			Expect(flow.Step().Kind).To(Equal(StepUpgradeRequired))
		})

		It("resumes a deposit-pending order on its summary", func() {
			provider.orders = []*brokerage.Order{
				{ID: "ord-9", Pair: "BTC-USD", Side: brokerage.Buy,
					State: brokerage.OrderStatePendingDeposit,
					PaymentType: brokerage.PaymentTypeCard, CreatedAt: 1},
			}

			build(brokerage.Buy, "BTC")

			step := flow.Step()
			Expect(step.Kind).To(Equal(StepOrderSummary))
			Expect(step.OrderID).To(Equal("ord-9"))
		})

		It("resumes a confirmation-pending order and keeps watching it", func() {
			provider.orders = []*brokerage.Order{
				{ID: "ord-c", Pair: "BTC-USD", Side: brokerage.Buy,
					State:       brokerage.OrderStatePendingConfirmation,
					PaymentType: brokerage.PaymentTypeCard, CreatedAt: 1},
			}
			provider.cancelErr = &brokerage.ProviderError{Status: 500, Message: "cancel unavailable"}
			provider.orderByID["ord-c"] = &brokerage.Order{
				ID: "ord-c", Pair: "BTC-USD", Side: brokerage.Buy,
				State: brokerage.OrderStateFinished, PaymentType: brokerage.PaymentTypeCard,
			}

			build(brokerage.Buy, "BTC")

			Expect(listener.stepKinds()).To(ContainElement(StepCheckoutConfirm))
			Eventually(func() StepKind { return flow.Step().Kind }, "2s").
				Should(Equal(StepOrderSummary), "the attached poller picks up the settlement")
		})

		It("resumes an unauthorised bank order on the connect state", func() {
			provider.orders = []*brokerage.Order{
				{ID: "ord-9", Pair: "BTC-USD", Side: brokerage.Buy,
					State:       brokerage.OrderStatePendingDeposit,
					PaymentType: brokerage.PaymentTypeBankTransfer,
					Attributes:  &brokerage.OrderAttributes{AuthorisationURL: "https://bank.example/auth"},
					CreatedAt:   1},
			}

			build(brokerage.Buy, "BTC")
			Expect(flow.Step().Kind).To(Equal(StepOpenBankingConnect))
		})
	})

	Describe("InitializeCheckout", func() {
		It("starts the quote loop and lands on amount entry", func() {
			beginBuyCheckout(brokerage.PaymentTypeCard, "")

			Expect(flow.Step().Kind).To(Equal(StepEnterAmount))
			Expect(flow.BuyQuote().ID).To(Equal("q-1"))
			Eventually(func() int {
				listener.mu.Lock()
				defer listener.mu.Unlock()
				return len(listener.quotes)
			}, "2s").Should(BeNumerically(">=", 1))
		})

		It("rejects a malformed pair before any provider call", func() {
			build(brokerage.Buy, "BTC")
			err := flow.InitializeCheckout(InitParams{Pair: "BTC", Side: brokerage.Buy})
			Expect(brokerage.IsValidation(err)).To(BeTrue())
		})

		It("prepares a provisional payment for a self-custody sell", func() {
			beginSellCheckout()

			pay := flow.Payment()
			Expect(pay).ToNot(BeNil())
			Expect(pay.Degraded).To(BeFalse())
			Expect(int64(pay.Amount)).To(BeNumerically("==", 400_000))
		})

		It("rebuilds only the amount when it changes", func() {
			beginSellCheckout()
			first := flow.Payment()

			flow.AmountChanged(decimal.RequireFromString("0.01"))

			second := flow.Payment()
			Expect(second).ToNot(BeIdenticalTo(first))
			Expect(int64(second.Amount)).To(BeNumerically("==", 1_000_000))
			Expect(second.Fee).To(Equal(first.Fee))
		})
	})

	Describe("CreateOrder", func() {
		It("validates input before any provider traffic", func() {
			beginBuyCheckout(brokerage.PaymentTypeCard, "")
			flow.AmountChanged(decimal.Zero)

			err := flow.CreateOrder(context.Background(), CreateParams{PaymentType: brokerage.PaymentTypeCard})

			Expect(brokerage.IsValidation(err)).To(BeTrue())
			Expect(provider.snapshotCreateCalls()).To(BeEmpty())
			Expect(flow.Step().Kind).To(Equal(StepEnterAmount))
			Expect(listener.failureCodes()).To(BeEmpty(), "a missing amount is benign and never fanned out")
		})

		It("requires a payment type", func() {
			beginBuyCheckout(brokerage.PaymentTypeCard, "")
			err := flow.CreateOrder(context.Background(), CreateParams{})
			Expect(brokerage.Code(err)).To(Equal(brokerage.ErrNoPaymentType))
		})

		It("sends the fiat leg and leaves the crypto amount to the provider", func() {
			beginBuyCheckout(brokerage.PaymentTypeCard, "")

			Expect(flow.CreateOrder(context.Background(), CreateParams{
				PaymentType: brokerage.PaymentTypeCard,
			})).To(Succeed())

			calls := provider.snapshotCreateCalls()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].Pending).To(BeTrue())
			Expect(calls[0].Input).To(Equal(brokerage.Leg{Symbol: "USD", Amount: "10000"}))
			Expect(calls[0].Output).To(Equal(brokerage.Leg{Symbol: "BTC"}))
			Expect(calls[0].QuoteID).To(BeEmpty())

			Expect(flow.Step().Kind).To(Equal(StepCheckoutConfirm))
			Expect(flow.Order().InputQuantity).To(Equal("10000"))
		})

		It("sends the crypto leg after the fix is switched", func() {
			beginBuyCheckout(brokerage.PaymentTypeCard, "")
			flow.SwitchFix(brokerage.FixCrypto, decimal.RequireFromString("0.004"))

			Expect(flow.CreateOrder(context.Background(), CreateParams{
				PaymentType: brokerage.PaymentTypeCard,
			})).To(Succeed())

			calls := provider.snapshotCreateCalls()
			Expect(calls[0].Input).To(Equal(brokerage.Leg{Symbol: "USD"}))
			Expect(calls[0].Output).To(Equal(brokerage.Leg{Symbol: "BTC", Amount: "400000"}))
		})

		It("returns to amount entry with values intact on a provider failure", func() {
			beginBuyCheckout(brokerage.PaymentTypeCard, "")
			provider.createErr = &brokerage.ProviderError{Status: 400, Code: "INSUFFICIENT_FUNDS"}

			err := flow.CreateOrder(context.Background(), CreateParams{PaymentType: brokerage.PaymentTypeCard})

			Expect(err).To(HaveOccurred())
			step := flow.Step()
			Expect(step.Kind).To(Equal(StepEnterAmount))
			Expect(step.Pair).To(Equal(brokerage.Pair("BTC-USD")))
			Expect(flow.checkoutValues().Amount.IntPart()).To(BeNumerically("==", 100))
			Expect(listener.failureCodes()).To(ContainElement("INSUFFICIENT_FUNDS"))
		})

		Context("with flexible pricing", func() {
			BeforeEach(func() {
				cfg.FlexiblePricing = true
			})

			It("binds the order to the held quote and fiat-izes a crypto fix", func() {
				beginBuyCheckout(brokerage.PaymentTypeCard, "")
				flow.SwitchFix(brokerage.FixCrypto, decimal.RequireFromString("0.004"))

				Expect(flow.CreateOrder(context.Background(), CreateParams{
					PaymentType: brokerage.PaymentTypeCard,
				})).To(Succeed())

				calls := provider.snapshotCreateCalls()
				Expect(calls[0].QuoteID).To(Equal("q-1"))
				Expect(calls[0].Input).To(Equal(brokerage.Leg{Symbol: "USD", Amount: "10000"}))
				Expect(calls[0].Output).To(Equal(brokerage.Leg{Symbol: "BTC"}))
			})

			It("rebinds the order when a fresh quote supersedes it", func() {
				beginBuyCheckout(brokerage.PaymentTypeCard, "")
				Expect(flow.CreateOrder(context.Background(), CreateParams{
					PaymentType: brokerage.PaymentTypeCard,
				})).To(Succeed())
				first := flow.Order()

				fresh := &brokerage.Quote{
					ID: "q-2", Pair: "BTC-USD", Side: brokerage.Buy,
					Rate: 26000, ExpiresAt: time.Now().Add(time.Hour),
				}
				quoteSink{f: flow, side: brokerage.Buy}.OnQuoteUpdated(fresh, fresh.Rate)

				Eventually(func() string {
					if order := flow.Order(); order != nil {
						return order.QuoteID
					}
					return ""
				}, "2s").Should(Equal("q-2"))
				Expect(provider.snapshotCancelled()).To(ContainElement(first.ID))
				Expect(flow.Step().Kind).To(Equal(StepCheckoutConfirm))
			})

			It("stops rebinding when the quote stream dies", func() {
				beginBuyCheckout(brokerage.PaymentTypeCard, "")
				Expect(flow.CreateOrder(context.Background(), CreateParams{
					PaymentType: brokerage.PaymentTypeCard,
				})).To(Succeed())

				sink := quoteSink{f: flow, side: brokerage.Buy}
				sink.OnQuoteFailed(&brokerage.ProviderError{Status: 500, Message: "quote source down"})
				Eventually(func() int {
					return len(flow.bus.slot(evQuoteStopped))
				}, "2s").Should(BeZero(), "the supervisor consumes the stop signal and exits")

				fresh := &brokerage.Quote{
					ID: "q-9", Pair: "BTC-USD", Side: brokerage.Buy,
					Rate: 27000, ExpiresAt: time.Now().Add(time.Hour),
				}
				sink.OnQuoteUpdated(fresh, fresh.Rate)

				Consistently(func() string {
					return flow.Order().QuoteID
				}, "200ms").Should(Equal("q-1"), "no rebinding after the stream ended")
			})
		})

		Context("for a self-custody sell", func() {
			It("broadcasts the deposit and reports it sent", func() {
				beginSellCheckout()

				Expect(flow.CreateOrder(context.Background(), CreateParams{})).To(Succeed())

				Expect(provider.sellCalls).To(HaveLen(1))
				Expect(provider.sellCalls[0].Direction).To(Equal(DirectionFromUserKey))
				Expect(provider.sellCalls[0].QuoteID).To(Equal("q-1"))
				Expect(provider.sellCalls[0].BaseAmount).To(Equal("400000"))
				Expect(provider.sellCalls[0].FiatCurrency).To(Equal("USD"))
				Expect(provider.sellCalls[0].RefundAddress).To(Equal("bc1qsource"))

				Expect(broadcaster.published).To(Equal([]string{"deposit-addr"}))
				Expect(provider.sellUpdates).To(Equal([]string{"sell-1:DEPOSIT_SENT"}))
				Expect(flow.Step().Kind).To(Equal(StepSellOrderSummary))
			})

			It("sizes a fiat-fixed sell at the quote's rate", func() {
				build(brokerage.Sell, "BTC")
				Expect(flow.InitializeCheckout(InitParams{
					Pair:    "BTC-USD",
					Side:    brokerage.Sell,
					Fix:     brokerage.FixFiat,
					Amount:  decimal.NewFromInt(100),
					Account: &Account{Coin: "BTC", Type: AccountCustodial},
				})).To(Succeed())
				Eventually(func() *brokerage.Quote {
					flow.mu.RLock()
					defer flow.mu.RUnlock()
					return flow.sellQuote
				}, "2s").ShouldNot(BeNil())

				Expect(flow.CreateOrder(context.Background(), CreateParams{})).To(Succeed())

				Expect(provider.sellCalls).To(HaveLen(1))
				Expect(provider.sellCalls[0].Direction).To(Equal(DirectionInternal))
				Expect(provider.sellCalls[0].BaseAmount).To(Equal("400000"), "100 USD at 25000 is 0.004 BTC")
			})

			It("cancels the order when the broadcast fails", func() {
				beginSellCheckout()
				broadcaster.err = &brokerage.ProviderError{Message: "broadcast failed"}

				err := flow.CreateOrder(context.Background(), CreateParams{})

				Expect(err).To(HaveOccurred())
				Expect(provider.sellUpdates).To(Equal([]string{"sell-1:CANCEL"}))
				Expect(flow.Step().Kind).To(Equal(StepEnterAmount))
				Expect(listener.payFails).To(HaveLen(1))
			})
		})
	})

	Describe("ConfirmOrder", func() {
		confirmHeld := func(p ConfirmParams) error {
			return flow.ConfirmOrder(context.Background(), p)
		}

		createBuy := func(paymentType brokerage.PaymentType, methodID string) {
			beginBuyCheckout(paymentType, methodID)
			Expect(flow.CreateOrder(context.Background(), CreateParams{
				PaymentType:     paymentType,
				PaymentMethodID: methodID,
			})).To(Succeed())
		}

		It("rejects a confirm without an order", func() {
			build(brokerage.Buy, "BTC")
			err := confirmHeld(ConfirmParams{})
			Expect(brokerage.Code(err)).To(Equal(brokerage.ErrNoOrderExists))
		})

		It("attaches the 3DS return link for card rails", func() {
			createBuy(brokerage.PaymentTypeCard, "")
			provider.confirmAttrsOut = &brokerage.OrderAttributes{
				CardProvider: &brokerage.CardProvider{
					CardAcquirerName: brokerage.AcquirerCheckout,
					PaymentState:     brokerage.CardPaymentSettled,
				},
			}

			Expect(confirmHeld(ConfirmParams{})).To(Succeed())

			Expect(provider.confirmAttrs).To(HaveLen(1))
			Expect(provider.confirmAttrs[0].RedirectURL).To(Equal(cfg.PaymentSuccessLink()))
			Expect(flow.Step().Kind).To(Equal(StepOrderSummary))
		})

		It("hands an unsettled payment to its 3DS handler", func() {
			createBuy(brokerage.PaymentTypeCard, "")
			provider.confirmAttrsOut = &brokerage.OrderAttributes{
				CardProvider: &brokerage.CardProvider{
					CardAcquirerName: brokerage.AcquirerCheckout,
					PaymentState:     brokerage.CardPaymentWaitingFor3DS,
				},
			}

			Expect(confirmHeld(ConfirmParams{})).To(Succeed())
			Expect(flow.Step().Kind).To(Equal(Step3DSHandlerCheckout))
		})

		It("routes everypay and stripe to their own handlers", func() {
			createBuy(brokerage.PaymentTypeCard, "")
			provider.confirmAttrsOut = &brokerage.OrderAttributes{
				Everypay: &brokerage.EverypayInfo{PaymentState: brokerage.CardPaymentWaitingFor3DS},
			}
			Expect(confirmHeld(ConfirmParams{})).To(Succeed())
			Expect(flow.Step().Kind).To(Equal(Step3DSHandlerEverypay))

			provider.confirmAttrsOut = &brokerage.OrderAttributes{
				CardProvider: &brokerage.CardProvider{
					CardAcquirerName: brokerage.AcquirerStripe,
					PaymentState:     brokerage.CardPaymentWaitingFor3DS,
				},
			}
			flow.setStep(Step{Kind: StepCheckoutConfirm})
			Expect(confirmHeld(ConfirmParams{})).To(Succeed())
			Expect(flow.Step().Kind).To(Equal(Step3DSHandlerStripe))
		})

		It("refuses an acquirer it has no handler for", func() {
			createBuy(brokerage.PaymentTypeCard, "")
			provider.confirmAttrsOut = &brokerage.OrderAttributes{
				CardProvider: &brokerage.CardProvider{
					CardAcquirerName: "ACME",
					PaymentState:     brokerage.CardPaymentWaitingFor3DS,
				},
			}

			err := confirmHeld(ConfirmParams{})

			Expect(brokerage.Code(err)).To(Equal(brokerage.ErrUnhandledPaymentState))
			Expect(flow.Step().Kind).To(Equal(StepCheckoutConfirm))
		})

		It("stops a confirm whose order value changed underneath the user", func() {
			cfg.FlexiblePricing = true
			createBuy(brokerage.PaymentTypeCard, "")

			stale := *flow.Order()
			stale.InputQuantity = "9000"

			err := confirmHeld(ConfirmParams{Order: &stale})

			Expect(brokerage.Code(err)).To(Equal(brokerage.ErrOrderValueChanged))
			Expect(provider.confirmAttrs).To(BeEmpty())
		})

		It("walks the open-banking handoff for a yapily bank", func() {
			provider.bankAccounts = []brokerage.BankAccount{
				{ID: "bank-1", Partner: brokerage.BankPartnerYapily},
			}
			createBuy(brokerage.PaymentTypeBankTransfer, "bank-1")
			provider.confirmAttrsOut = &brokerage.OrderAttributes{
				AuthorisationURL: "https://bank.example/auth",
			}

			Expect(confirmHeld(ConfirmParams{})).To(Succeed())

			Expect(provider.confirmAttrs[0].Callback).To(Equal(cfg.BankLinkSuccessLink()))
			Expect(listener.stepKinds()).To(ContainElement(StepLoading))
			Expect(flow.Step().Kind).To(Equal(StepOpenBankingConnect))
		})

		It("settles a non-yapily bank straight to the summary", func() {
			provider.bankAccounts = []brokerage.BankAccount{
				{ID: "bank-1", Partner: brokerage.BankPartnerPlaid},
			}
			createBuy(brokerage.PaymentTypeBankTransfer, "bank-1")

			Expect(confirmHeld(ConfirmParams{})).To(Succeed())

			Expect(provider.confirmAttrs[0]).To(BeNil())
			Expect(flow.Step().Kind).To(Equal(StepOrderSummary))
		})

		Context("with a mobile wallet rail", func() {
			BeforeEach(func() {
				sessions = sessionWithEvents(
					mobilepay.Event{Kind: mobilepay.EventValidate, ValidationURL: "https://merchant/validate"},
					mobilepay.Event{Kind: mobilepay.EventAuthorized, Token: "tok-9"},
				)
				provider.mobileInfo = &api.MobilePaymentInfo{
					BeneficiaryID:           "ben-1",
					MerchantBankCountryCode: "US",
					AllowCreditCards:        true,
					Parameters:              `{"gateway":"checkoutltd"}`,
				}
				provider.validatePayload = "session-payload"
			})

			It("mints an apple pay token into the confirm attributes", func() {
				createBuy(brokerage.PaymentTypeCard, "")
				provider.confirmAttrsOut = &brokerage.OrderAttributes{
					CardProvider: &brokerage.CardProvider{
						CardAcquirerName: brokerage.AcquirerCheckout,
						PaymentState:     brokerage.CardPaymentSettled,
					},
				}

				Expect(confirmHeld(ConfirmParams{
					MobilePaymentMethod: brokerage.MobilePaymentApplePay,
				})).To(Succeed())

				Expect(provider.validateCalls).To(Equal(1))
				Expect(provider.confirmAttrs[0].ApplePayToken).To(Equal("tok-9"))
				Expect(sessions.request.Amount).To(Equal("100"))
				Expect(flow.Step().Kind).To(Equal(StepOrderSummary))
			})

			It("rejects google pay with malformed merchant parameters", func() {
				createBuy(brokerage.PaymentTypeCard, "")
				provider.mobileInfo.Parameters = `{"gateway":`

				err := confirmHeld(ConfirmParams{
					MobilePaymentMethod: brokerage.MobilePaymentGooglePay,
				})

				Expect(brokerage.Code(err)).To(Equal(brokerage.ErrPaymentInfoNotFound))
				Expect(provider.confirmAttrs).To(BeEmpty())
			})

			It("surfaces a user abort as a cancellation", func() {
				sessions = sessionWithEvents(mobilepay.Event{Kind: mobilepay.EventCancelled})
				createBuy(brokerage.PaymentTypeCard, "")

				err := confirmHeld(ConfirmParams{
					MobilePaymentMethod: brokerage.MobilePaymentApplePay,
				})

				Expect(brokerage.IsCancellation(err)).To(BeTrue())
				Expect(flow.Step().Kind).To(Equal(StepCheckoutConfirm))
			})
		})
	})

	Describe("CancelOrder", func() {
		It("cancels, refetches once, and preserves the entered values", func() {
			beginBuyCheckout(brokerage.PaymentTypeCard, "")
			Expect(flow.CreateOrder(context.Background(), CreateParams{
				PaymentType: brokerage.PaymentTypeCard,
			})).To(Succeed())

			held := flow.Order()
			fetched := provider.ordersFetched()

			Expect(flow.CancelOrder(context.Background())).To(Succeed())

			Expect(provider.snapshotCancelled()).To(ContainElement(held.ID))
			Expect(provider.ordersFetched()).To(Equal(fetched+1), "exactly one refetch after a cancel")
			Expect(flow.Order()).To(BeNil())
			Expect(held.State).To(Equal(brokerage.OrderStateCanceled),
				"the flow holds the provider's record, which the cancel itself mutates")

			step := flow.Step()
			Expect(step.Kind).To(Equal(StepEnterAmount))
			Expect(step.Pair).To(Equal(brokerage.Pair("BTC-USD")))
			Expect(flow.checkoutValues().Amount.IntPart()).To(BeNumerically("==", 100))
		})

		It("rejects a cancel without an order", func() {
			build(brokerage.Buy, "BTC")
			err := flow.CancelOrder(context.Background())
			Expect(brokerage.Code(err)).To(Equal(brokerage.ErrNoOrderExists))
		})
	})

	Describe("DeterminePaymentProvider", func() {
		It("unions the checkout.com account codes and keeps the first key", func() {
			provider.acquirers = []brokerage.CardAcquirerInfo{
				{CardAcquirerName: brokerage.AcquirerCheckout, CardAcquirerAccountCodes: []string{"a", "b"}, APIKey: "key-1"},
				{CardAcquirerName: brokerage.AcquirerStripe, CardAcquirerAccountCodes: []string{"c"}, APIKey: "key-x"},
				{CardAcquirerName: brokerage.AcquirerCheckout, CardAcquirerAccountCodes: []string{"b", "d"}, APIKey: "key-2"},
			}
			build(brokerage.Buy, "BTC")

			Expect(flow.DeterminePaymentProvider(context.Background())).To(Succeed())

			step := flow.Step()
			Expect(step.Kind).To(Equal(StepAddCard))
			Expect(step.AcquirerAccountCodes).To(Equal([]string{"a", "b", "d"}))
			Expect(step.AcquirerAPIKey).To(Equal("key-1"))
		})

		It("fails when no supported acquirer is offered", func() {
			provider.acquirers = []brokerage.CardAcquirerInfo{
				{CardAcquirerName: brokerage.AcquirerStripe, CardAcquirerAccountCodes: []string{"c"}},
			}
			build(brokerage.Buy, "BTC")

			err := flow.DeterminePaymentProvider(context.Background())
			Expect(brokerage.Code(err)).To(Equal(brokerage.ErrAcquirerNotFound))
		})
	})

	Describe("PollCard", func() {
		BeforeEach(func() {
			cfg.PollBudget = brokerage.RetryBudget{MaxAttempts: 5, Interval: 5 * time.Millisecond}
		})

		It("waits out activation and returns the active card", func() {
			provider.cardStates = []brokerage.CardState{
				brokerage.CardStatePending, brokerage.CardStatePending, brokerage.CardStateActive,
			}
			build(brokerage.Buy, "BTC")

			card, err := flow.PollCard(context.Background(), "card-1")

			Expect(err).To(BeNil())
			Expect(card.State).To(Equal(brokerage.CardStateActive))
			Expect(provider.cardPolls).To(Equal(3))
		})

		It("confirms an order waiting on the freshly activated card", func() {
			provider.cardStates = []brokerage.CardState{brokerage.CardStateActive}
			provider.confirmAttrsOut = &brokerage.OrderAttributes{
				CardProvider: &brokerage.CardProvider{
					CardAcquirerName: brokerage.AcquirerCheckout,
					PaymentState:     brokerage.CardPaymentSettled,
				},
			}
			build(brokerage.Buy, "BTC")
			Expect(store.SaveOrder(&brokerage.Order{
				ID: "ord-w", Pair: "BTC-USD", Side: brokerage.Buy,
				State:       brokerage.OrderStatePendingConfirmation,
				PaymentType: brokerage.PaymentTypeCard,
			})).To(Succeed())

			_, err := flow.PollCard(context.Background(), "card-1")

			Expect(err).To(BeNil())
			Expect(provider.confirmMethodIDs).To(Equal([]string{"card-1"}))
			Expect(flow.Step().Kind).To(Equal(StepOrderSummary))
		})

		It("classifies a blocked card", func() {
			provider.cardStates = []brokerage.CardState{brokerage.CardStateBlocked}
			build(brokerage.Buy, "BTC")

			_, err := flow.PollCard(context.Background(), "card-1")
			Expect(brokerage.Code(err)).To(Equal(brokerage.ErrCardBlockedAfterPoll))
		})

		It("classifies a card still pending when the budget runs out", func() {
			build(brokerage.Buy, "BTC")

			_, err := flow.PollCard(context.Background(), "card-1")
			Expect(brokerage.Code(err)).To(Equal(brokerage.ErrCardPendingAfterPoll))
		})
	})
})
