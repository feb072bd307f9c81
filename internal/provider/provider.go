// Package provider hides the payment back-ends behind one contract so the
// rest of the shop never special-cases a provider by name.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bnomei/kart-go/internal/domain"
	"github.com/bnomei/kart-go/internal/session"
)

var (
	ErrNoSession       = errors.New("no checkout session in progress")
	ErrUnknownProvider = errors.New("unknown payment provider")
)

// CheckoutError signals a non-2xx response from the payment API during
// checkout. It is surfaced to the caller, never swallowed.
type CheckoutError struct {
	Provider string
	Status   int
}

func (e *CheckoutError) Error() string {
	return fmt.Sprintf("%s: checkout failed with status %d", e.Provider, e.Status)
}

// Line is one cart position as handed to a provider when building a
// checkout session. Price is in major currency units.
type Line struct {
	ProductID string
	Title     string
	Price     float64
	TaxRate   float64
	Quantity  int
}

// CheckoutRequest is the provider-independent view of the cart at the
// moment checkout starts.
type CheckoutRequest struct {
	Lines     []Line
	Customer  domain.Customer
	CartHash  string
	ReturnURL string
	CancelURL string
}

// PurchaseChecker is the slice of the order repository providers need
// for OwnsProduct.
type PurchaseChecker interface {
	HasPurchase(ctx context.Context, customerID, productID string) (bool, error)
}

// Provider is the single contract every payment back-end implements.
//
// Completed reports the outcome of the return leg as a checkout status.
// CheckoutStatusNone is an ignorable non-event (session id mismatch,
// unverifiable parameters); the stored session survives for a later
// retry. CheckoutStatusPending means the upstream payment is still open.
// CheckoutStatusRejected is a verified, definitive failure; the result is
// nil and the caller must clear the session. A non-nil result always
// comes with CheckoutStatusCompleted. Only transport failures are errors.
type Provider interface {
	Name() string
	// Checkout builds a provider checkout session for the request and
	// returns its id plus the URL the customer's browser is sent to.
	Checkout(ctx context.Context, req CheckoutRequest) (sessionID, redirectURL string, err error)
	Completed(ctx context.Context, sess Session, params url.Values) (*domain.CheckoutResult, domain.CheckoutStatus, error)
	// FetchProducts paginates the provider's catalog API to exhaustion.
	// An undecodable page ends the stream rather than failing it.
	FetchProducts(ctx context.Context) ([]domain.VirtualProduct, error)
	// OwnsProduct checks the provider's own fulfillment records and the
	// local order history; either one suffices.
	OwnsProduct(ctx context.Context, productID string, customer domain.Customer) (bool, error)
}

// Session is the transient state parked between Checkout and Completed.
// It is stored with CheckoutStatusPending and cleared only after a
// verified terminal outcome, so a slow webhook cannot be replayed
// against a fresh cart.
type Session struct {
	Provider  string                `json:"provider"`
	SessionID string                `json:"session_id"`
	CartHash  string                `json:"cart_hash"`
	Status    domain.CheckoutStatus `json:"status"`
	Customer  domain.Customer       `json:"customer"`
	CreatedAt time.Time             `json:"created_at"`
}

const sessionKeyPrefix = "provider:session:"

// Sessions persists checkout sessions per cart owner.
type Sessions struct {
	store session.Store
	ttl   time.Duration
}

func NewSessions(store session.Store, ttl time.Duration) *Sessions {
	return &Sessions{store: store, ttl: ttl}
}

func (s *Sessions) Load(ctx context.Context, owner string) (*Session, error) {
	data, err := s.store.Get(ctx, sessionKeyPrefix+owner)
	if errors.Is(err, session.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("load checkout session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return &sess, nil
}

func (s *Sessions) Save(ctx context.Context, owner string, sess Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode checkout session: %w", err)
	}
	if err := s.store.Set(ctx, sessionKeyPrefix+owner, data, s.ttl); err != nil {
		return fmt.Errorf("save checkout session: %w", err)
	}
	return nil
}

func (s *Sessions) Clear(ctx context.Context, owner string) error {
	return s.store.Remove(ctx, sessionKeyPrefix+owner)
}

// Kind identifies a payment back-end in configuration.
type Kind string

const (
	KindStripe       Kind = "stripe"
	KindLemonSqueezy Kind = "lemonsqueezy"
	KindPaddle       Kind = "paddle"
	KindMollie       Kind = "mollie"
	KindGumroad      Kind = "gumroad"
	KindInvoice      Kind = "invoice"
)

// Config carries the per-provider settings a factory needs.
type Config struct {
	Secret    string
	APIBase   string // empty means the provider's production endpoint
	ReturnURL string
	CancelURL string
	Currency  string
	Orders    PurchaseChecker // nil when order persistence is disabled
	Client    *http.Client    // nil means http.DefaultClient
}

// Factory builds a Provider from its configuration.
type Factory func(Config) Provider

// Registry maps provider kinds to factories. The set is fixed at compile
// time; Resolve happens once at startup, never per request.
type Registry struct {
	factories map[Kind]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[Kind]Factory{
		KindStripe:       func(cfg Config) Provider { return NewStripe(cfg) },
		KindLemonSqueezy: func(cfg Config) Provider { return NewLemonSqueezy(cfg) },
		KindPaddle:       func(cfg Config) Provider { return NewPaddle(cfg) },
		KindMollie:       func(cfg Config) Provider { return NewMollie(cfg) },
		KindGumroad:      func(cfg Config) Provider { return NewGumroad(cfg) },
		KindInvoice:      func(cfg Config) Provider { return NewInvoice(cfg) },
	}}
}

func (r *Registry) Resolve(kind Kind, cfg Config) (Provider, error) {
	factory, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
	return factory(cfg), nil
}

func (r *Registry) Kinds() []Kind {
	kinds := make([]Kind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// historyOwns is the order-history verification path shared by all
// providers.
func historyOwns(ctx context.Context, orders PurchaseChecker, productID string, customer domain.Customer) (bool, error) {
	if orders == nil || customer.ID == "" {
		return false, nil
	}
	owns, err := orders.HasPurchase(ctx, customer.ID, productID)
	if err != nil {
		return false, fmt.Errorf("order history lookup: %w", err)
	}
	return owns, nil
}
