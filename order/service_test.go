package order

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"credflow/fault"
)

var frozen = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestService(ledger *fakeLedger, provider *fakeProvider) *Service {
	svc := NewService(&fakePool{}, ledger, provider, ledger.vault(), 1000, nil)
	svc.now = func() time.Time { return frozen }
	return svc
}

func TestCreateOrder_Success(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addListing(Listing{ID: "l1", SellerID: "seller-1", PriceCents: 1999, Currency: "USD", Status: "available"})
	provider := &fakeProvider{}
	svc := newTestService(ledger, provider)

	ord, err := svc.CreateOrder(context.Background(), "buyer-1", "l1")
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	if ord.Status != StatusPending {
		t.Fatalf("expected pending, got %s", ord.Status)
	}
	if ord.TotalCents != 1999 {
		t.Fatalf("expected total 1999, got %d", ord.TotalCents)
	}
	if len(provider.intents) != 1 {
		t.Fatalf("expected one payment intent, got %d", len(provider.intents))
	}
	txn, ok := ledger.txns[ord.ID]
	if !ok || txn.Status != TransactionInitiated {
		t.Fatalf("expected initiated transaction, got %+v", txn)
	}
}

func TestCreateOrder_ListingNotFound(t *testing.T) {
	svc := newTestService(newFakeLedger(), &fakeProvider{})

	_, err := svc.CreateOrder(context.Background(), "buyer-1", "missing")
	if !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateOrder_Unavailable(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addListing(Listing{ID: "l1", SellerID: "seller-1", PriceCents: 500, Status: "sold"})
	svc := newTestService(ledger, &fakeProvider{})

	_, err := svc.CreateOrder(context.Background(), "buyer-1", "l1")
	if !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestCreateOrder_SelfTrade(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addListing(Listing{ID: "l1", SellerID: "seller-1", PriceCents: 500, Status: "available"})
	svc := newTestService(ledger, &fakeProvider{})

	_, err := svc.CreateOrder(context.Background(), "seller-1", "l1")
	if !errors.Is(err, fault.ErrSelfTrade) {
		t.Fatalf("expected ErrSelfTrade, got %v", err)
	}
}

func TestConfirmPayment_FirstApplication(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addListing(Listing{ID: "l1", SellerID: "seller-1", PriceCents: 1999, Currency: "USD", Status: "available"})
	ledger.addOrder(Order{ID: "o1", BuyerID: "buyer-1", ListingID: "l1", TotalCents: 1999, Status: StatusPending})
	ledger.addTransaction(Transaction{ID: "t1", OrderID: "o1", Status: TransactionInitiated})
	svc := newTestService(ledger, &fakeProvider{})

	if err := svc.ConfirmPayment(context.Background(), "evt-1", "o1"); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}

	if got := ledger.orders["o1"].Status; got != StatusPaid {
		t.Fatalf("expected order paid, got %s", got)
	}
	if got := ledger.listings["l1"].Status; got != "sold" {
		t.Fatalf("expected listing sold, got %s", got)
	}
	if got := ledger.txns["o1"].Status; got != TransactionSucceeded {
		t.Fatalf("expected transaction succeeded, got %s", got)
	}
	expires := ledger.orders["o1"].ExpiresAt
	if expires == nil || !expires.Equal(frozen.Add(VerificationWindow)) {
		t.Fatalf("expected expires_at %v, got %v", frozen.Add(VerificationWindow), expires)
	}
}

func TestConfirmPayment_ReplayIsNoOp(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addListing(Listing{ID: "l1", SellerID: "seller-1", PriceCents: 1999, Status: "available"})
	ledger.addOrder(Order{ID: "o1", BuyerID: "buyer-1", ListingID: "l1", TotalCents: 1999, Status: StatusPending})
	ledger.addTransaction(Transaction{ID: "t1", OrderID: "o1", Status: TransactionInitiated})
	svc := newTestService(ledger, &fakeProvider{})

	if err := svc.ConfirmPayment(context.Background(), "evt-1", "o1"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	expires := *ledger.orders["o1"].ExpiresAt

	err := svc.ConfirmPayment(context.Background(), "evt-1", "o1")
	if !errors.Is(err, fault.ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}

	if got := ledger.orders["o1"].Status; got != StatusPaid {
		t.Fatalf("replay changed order status to %s", got)
	}
	if got := *ledger.orders["o1"].ExpiresAt; !got.Equal(expires) {
		t.Fatalf("replay moved expires_at from %v to %v", expires, got)
	}
}

func TestConfirmPayment_DoubleSoldStillHonored(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addListing(Listing{ID: "l1", SellerID: "seller-1", PriceCents: 1999, Status: "sold"})
	ledger.addOrder(Order{ID: "o2", BuyerID: "buyer-2", ListingID: "l1", TotalCents: 1999, Status: StatusPending})
	ledger.addTransaction(Transaction{ID: "t2", OrderID: "o2", Status: TransactionInitiated})
	svc := newTestService(ledger, &fakeProvider{})

	if err := svc.ConfirmPayment(context.Background(), "evt-2", "o2"); err != nil {
		t.Fatalf("confirm payment: %v", err)
	}

	if got := ledger.orders["o2"].Status; got != StatusPaid {
		t.Fatalf("racing payment must still be honored, got %s", got)
	}
	if len(ledger.recons) != 1 || ledger.recons[0].kind != ReconDoubleSold {
		t.Fatalf("expected one double_sold reconciliation event, got %+v", ledger.recons)
	}
}

func TestAcknowledgeDelivery(t *testing.T) {
	ledger := newFakeLedger()
	paidAt := frozen.Add(-6 * time.Hour)
	expires := paidAt.Add(VerificationWindow)
	ledger.addOrder(Order{ID: "o1", BuyerID: "buyer-1", ListingID: "l1", Status: StatusPaid, ExpiresAt: &expires})
	svc := newTestService(ledger, &fakeProvider{})

	if _, err := svc.AcknowledgeDelivery(context.Background(), "o1", "stranger"); !errors.Is(err, fault.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-buyer, got %v", err)
	}

	ord, err := svc.AcknowledgeDelivery(context.Background(), "o1", "buyer-1")
	if err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if ord.Status != StatusDelivered {
		t.Fatalf("expected delivered, got %s", ord.Status)
	}
	// The dispute window restarts from acknowledgment, not from payment.
	if got := ledger.orders["o1"].ExpiresAt; !got.Equal(frozen.Add(VerificationWindow)) {
		t.Fatalf("expected expires_at %v, got %v", frozen.Add(VerificationWindow), got)
	}

	if _, err := svc.AcknowledgeDelivery(context.Background(), "o1", "buyer-1"); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on second ack, got %v", err)
	}
}

func TestDisclosedCredentials_Gate(t *testing.T) {
	cases := []struct {
		name   string
		status Status
		caller string
		want   bool
	}{
		{"pending buyer", StatusPending, "buyer-1", false},
		{"paid buyer", StatusPaid, "buyer-1", true},
		{"paid seller", StatusPaid, "seller-1", false},
		{"paid stranger", StatusPaid, "stranger", false},
		{"delivered buyer", StatusDelivered, "buyer-1", true},
		{"complete buyer", StatusComplete, "buyer-1", true},
		{"refunded buyer", StatusRefunded, "buyer-1", false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := newFakeLedger()
			ledger.addListing(Listing{ID: "l1", SellerID: "seller-1", Status: "sold", HasSecurePayload: true})
			ledger.payloads["l1"] = "user:pass"
			ledger.addOrder(Order{ID: "o1", BuyerID: "buyer-1", ListingID: "l1", Status: tc.status})
			svc := newTestService(ledger, &fakeProvider{})

			secret, ok, err := svc.DisclosedCredentials(context.Background(), "o1", tc.caller)
			if err != nil {
				t.Fatalf("disclose: %v", err)
			}
			if ok != tc.want {
				t.Fatalf("expected ok=%v, got %v", tc.want, ok)
			}
			if tc.want && secret != "user:pass" {
				t.Fatalf("expected payload, got %q", secret)
			}
			if !tc.want && secret != "" {
				t.Fatalf("expected empty payload, got %q", secret)
			}
		})
	}
}

func TestDisclosedCredentials_NoPayloadIsAbsence(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addListing(Listing{ID: "l1", SellerID: "seller-1", Status: "sold"})
	ledger.addOrder(Order{ID: "o1", BuyerID: "buyer-1", ListingID: "l1", Status: StatusPaid})
	svc := newTestService(ledger, &fakeProvider{})

	secret, ok, err := svc.DisclosedCredentials(context.Background(), "o1", "buyer-1")
	if err != nil || ok || secret != "" {
		t.Fatalf("expected silent absence, got secret=%q ok=%v err=%v", secret, ok, err)
	}
}

func TestSettle_DeliveredPastWindow(t *testing.T) {
	ledger := newFakeLedger()
	accountRef := "acct_seller1"
	ledger.sellerAccounts["seller-1"] = &accountRef
	ledger.addListing(Listing{ID: "l1", SellerID: "seller-1", Status: "sold"})
	past := frozen.Add(-time.Minute)
	ledger.addOrder(Order{ID: "o1", BuyerID: "buyer-1", ListingID: "l1", TotalCents: 2000, Status: StatusDelivered, ExpiresAt: &past})
	provider := &fakeProvider{}
	svc := newTestService(ledger, provider)

	if err := svc.Settle(context.Background(), "o1"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	if got := ledger.orders["o1"].Status; got != StatusComplete {
		t.Fatalf("expected complete, got %s", got)
	}
	if len(provider.transfers) != 1 {
		t.Fatalf("expected one transfer, got %d", len(provider.transfers))
	}
	// 10% platform fee withheld.
	if provider.transfers[0].amount != 1800 {
		t.Fatalf("expected transfer of 1800, got %d", provider.transfers[0].amount)
	}
}

func TestSettle_DisputeFreezes(t *testing.T) {
	ledger := newFakeLedger()
	past := frozen.Add(-time.Minute)
	ledger.addOrder(Order{ID: "o1", BuyerID: "buyer-1", ListingID: "l1", TotalCents: 2000, Status: StatusPaid, ExpiresAt: &past})
	ledger.disputes["o1"] = true
	provider := &fakeProvider{}
	svc := newTestService(ledger, provider)

	if err := svc.Settle(context.Background(), "o1"); err != nil {
		t.Fatalf("settle with dispute must be silent, got %v", err)
	}
	if got := ledger.orders["o1"].Status; got != StatusPaid {
		t.Fatalf("disputed order must stay untouched, got %s", got)
	}
	if len(provider.transfers) != 0 {
		t.Fatalf("no transfer expected, got %d", len(provider.transfers))
	}
}

func TestSettle_NotDue(t *testing.T) {
	ledger := newFakeLedger()
	future := frozen.Add(time.Hour)
	ledger.addOrder(Order{ID: "o1", BuyerID: "buyer-1", ListingID: "l1", TotalCents: 2000, Status: StatusPaid, ExpiresAt: &future})
	svc := newTestService(ledger, &fakeProvider{})

	if err := svc.Settle(context.Background(), "o1"); !errors.Is(err, fault.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState before deadline, got %v", err)
	}
}

func TestSettle_TerminalIsNoOp(t *testing.T) {
	ledger := newFakeLedger()
	ledger.addOrder(Order{ID: "o1", BuyerID: "buyer-1", ListingID: "l1", TotalCents: 2000, Status: StatusComplete})
	svc := newTestService(ledger, &fakeProvider{})

	if err := svc.Settle(context.Background(), "o1"); err != nil {
		t.Fatalf("settling a complete order must be a no-op, got %v", err)
	}
}

func TestSettle_TransferFailureKeepsComplete(t *testing.T) {
	ledger := newFakeLedger()
	accountRef := "acct_seller1"
	ledger.sellerAccounts["seller-1"] = &accountRef
	ledger.addListing(Listing{ID: "l1", SellerID: "seller-1", Status: "sold"})
	past := frozen.Add(-time.Minute)
	ledger.addOrder(Order{ID: "o1", BuyerID: "buyer-1", ListingID: "l1", TotalCents: 2000, Status: StatusDelivered, ExpiresAt: &past})
	provider := &fakeProvider{transferErr: errors.New("provider down")}
	svc := newTestService(ledger, provider)

	if err := svc.Settle(context.Background(), "o1"); err != nil {
		t.Fatalf("transfer failure must not fail settle, got %v", err)
	}
	if got := ledger.orders["o1"].Status; got != StatusComplete {
		t.Fatalf("transfer failure must not revert complete, got %s", got)
	}
	if len(ledger.recons) != 1 || ledger.recons[0].kind != ReconTransferFailed {
		t.Fatalf("expected transfer_failed reconciliation event, got %+v", ledger.recons)
	}
}

func TestCanTransition(t *testing.T) {
	allowed := map[Status][]Status{
		StatusPending:   {StatusPaid},
		StatusPaid:      {StatusDelivered, StatusDisputed, StatusComplete},
		StatusDelivered: {StatusDisputed, StatusComplete},
		StatusDisputed:  {StatusComplete, StatusRefunded},
	}
	all := []Status{StatusPending, StatusPaid, StatusDelivered, StatusDisputed, StatusComplete, StatusRefunded}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

// --- fakes ---

type reconEntry struct {
	kind      string
	orderID   string
	listingID string
}

type fakeLedger struct {
	orders         map[string]Order
	listings       map[string]Listing
	txns           map[string]Transaction // keyed by order id
	events         map[string]bool
	disputes       map[string]bool
	recons         []reconEntry
	sellerAccounts map[string]*string
	payloads       map[string]string
	nextID         int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		orders:         make(map[string]Order),
		listings:       make(map[string]Listing),
		txns:           make(map[string]Transaction),
		events:         make(map[string]bool),
		disputes:       make(map[string]bool),
		sellerAccounts: make(map[string]*string),
		payloads:       make(map[string]string),
	}
}

func (f *fakeLedger) addListing(l Listing)         { f.listings[l.ID] = l }
func (f *fakeLedger) addOrder(o Order)             { f.orders[o.ID] = o }
func (f *fakeLedger) addTransaction(t Transaction) { f.txns[t.OrderID] = t }

func (f *fakeLedger) vault() PayloadRevealer { return &fakeVault{ledger: f} }

func (f *fakeLedger) FindOrder(_ context.Context, orderID string) (Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return Order{}, fault.NotFound("order")
	}
	return o, nil
}

func (f *fakeLedger) FindListing(_ context.Context, listingID string) (Listing, error) {
	l, ok := f.listings[listingID]
	if !ok {
		return Listing{}, fault.NotFound("listing")
	}
	return l, nil
}

func (f *fakeLedger) GetOrderForUpdate(ctx context.Context, _ pgx.Tx, orderID string) (Order, error) {
	return f.FindOrder(ctx, orderID)
}

func (f *fakeLedger) GetListingForUpdate(ctx context.Context, _ pgx.Tx, listingID string) (Listing, error) {
	return f.FindListing(ctx, listingID)
}

func (f *fakeLedger) InsertOrder(_ context.Context, _ pgx.Tx, rec CreateRecord) (Order, error) {
	f.nextID++
	o := Order{
		ID:         fmt.Sprintf("order-%d", f.nextID),
		BuyerID:    rec.BuyerID,
		ListingID:  rec.ListingID,
		TotalCents: rec.TotalCents,
		Currency:   rec.Currency,
		Status:     StatusPending,
	}
	f.orders[o.ID] = o
	return o, nil
}

func (f *fakeLedger) InsertTransaction(_ context.Context, _ pgx.Tx, rec TransactionRecord) error {
	f.nextID++
	f.txns[rec.OrderID] = Transaction{
		ID:          fmt.Sprintf("txn-%d", f.nextID),
		OrderID:     rec.OrderID,
		Provider:    rec.Provider,
		ProviderRef: rec.ProviderRef,
		AmountCents: rec.AmountCents,
		Status:      TransactionInitiated,
	}
	return nil
}

func (f *fakeLedger) GetTransactionForUpdate(_ context.Context, _ pgx.Tx, orderID string) (Transaction, error) {
	t, ok := f.txns[orderID]
	if !ok {
		return Transaction{}, fault.NotFound("transaction")
	}
	return t, nil
}

func (f *fakeLedger) MarkTransactionSucceeded(_ context.Context, _ pgx.Tx, transactionID, providerEventID string) error {
	if f.events[providerEventID] {
		return ErrEventReplayed
	}
	for orderID, t := range f.txns {
		if t.ID == transactionID {
			if t.Status != TransactionInitiated {
				return ErrEventReplayed
			}
			t.Status = TransactionSucceeded
			t.ProviderEventID = &providerEventID
			f.txns[orderID] = t
			f.events[providerEventID] = true
			return nil
		}
	}
	return fault.NotFound("transaction")
}

func (f *fakeLedger) SetOrderStatus(_ context.Context, _ pgx.Tx, orderID string, status Status, expiresAt *time.Time) error {
	o := f.orders[orderID]
	o.Status = status
	o.ExpiresAt = expiresAt
	f.orders[orderID] = o
	return nil
}

func (f *fakeLedger) MarkListingSold(_ context.Context, _ pgx.Tx, listingID string) error {
	l := f.listings[listingID]
	l.Status = "sold"
	f.listings[listingID] = l
	return nil
}

func (f *fakeLedger) HasDispute(_ context.Context, _ pgx.Tx, orderID string) (bool, error) {
	return f.disputes[orderID], nil
}

func (f *fakeLedger) RecordReconciliation(_ context.Context, _ pgx.Tx, kind, orderID, listingID string, _ map[string]any) error {
	f.recons = append(f.recons, reconEntry{kind: kind, orderID: orderID, listingID: listingID})
	return nil
}

func (f *fakeLedger) SellerAccount(_ context.Context, sellerID string) (*string, error) {
	ref, ok := f.sellerAccounts[sellerID]
	if !ok {
		return nil, nil
	}
	return ref, nil
}

type fakeVault struct {
	ledger *fakeLedger
}

func (v *fakeVault) Reveal(_ context.Context, listingID string) (string, error) {
	secret, ok := v.ledger.payloads[listingID]
	if !ok {
		return "", fault.NotFound("secure payload")
	}
	return secret, nil
}

type transferCall struct {
	accountRef string
	amount     int64
}

type fakeProvider struct {
	intents     []string
	transfers   []transferCall
	intentErr   error
	transferErr error
}

func (p *fakeProvider) CreateIntent(_ context.Context, _ int64, _ string, orderID string) (string, error) {
	if p.intentErr != nil {
		return "", p.intentErr
	}
	ref := fmt.Sprintf("pi_%d", len(p.intents)+1)
	p.intents = append(p.intents, orderID)
	return ref, nil
}

func (p *fakeProvider) Transfer(_ context.Context, accountRef string, amount int64) error {
	if p.transferErr != nil {
		return p.transferErr
	}
	p.transfers = append(p.transfers, transferCall{accountRef: accountRef, amount: amount})
	return nil
}

type fakePool struct {
	txs []*fakeTx
}

func (f *fakePool) Begin(context.Context) (pgx.Tx, error) {
	tx := &fakeTx{}
	f.txs = append(f.txs, tx)
	return tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
