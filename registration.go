package attractor

import (
	"fmt"
	"time"

	"pkt.systems/attractor/address"
)

// RegistrationContext is handed to an AddressPolicy when the host starts.
type RegistrationContext struct {
	// Owner is the host's address book identity.
	Owner string
	// Host is the machine's hostname.
	Host string
	// Index is the registration's position in RegisterActor call order.
	Index int
	// Name is the actor name given with WithName, if any.
	Name string
}

// AddressPolicy decides the address a registration serves.
type AddressPolicy func(RegistrationContext) (address.Address, error)

// RegistrationOption customises one RegisterActor call.
type RegistrationOption func(*registration)

type registration struct {
	handler     Handler
	name        string
	policy      AddressPolicy
	visibility  time.Duration
	maxInFlight int
	leaseTTL    time.Duration
}

// UseAddressPolicy selects the registration's address when the host starts.
func UseAddressPolicy(policy AddressPolicy) RegistrationOption {
	return func(r *registration) {
		r.policy = policy
	}
}

// UseAddress serves a fixed address.
func UseAddress(addr address.Address) RegistrationOption {
	return UseAddressPolicy(func(RegistrationContext) (address.Address, error) {
		return addr, nil
	})
}

// WithName names the actor in logs, metrics and diagnostics. It defaults to
// the address.
func WithName(name string) RegistrationOption {
	return func(r *registration) {
		r.name = name
	}
}

// WithVisibilityTimeout overrides Config.VisibilityTimeout.
func WithVisibilityTimeout(d time.Duration) RegistrationOption {
	return func(r *registration) {
		r.visibility = d
	}
}

// WithMaxInFlight lets up to n deliveries run concurrently, each holding its
// own claim.
func WithMaxInFlight(n int) RegistrationOption {
	return func(r *registration) {
		r.maxInFlight = n
	}
}

// WithLeaseTTL overrides Config.LeaseTTL.
func WithLeaseTTL(d time.Duration) RegistrationOption {
	return func(r *registration) {
		r.leaseTTL = d
	}
}

// RegisterActor adds a handler to the host. Registrations must happen before
// Start; the address is resolved and leased during Start.
func (h *Host) RegisterActor(handler Handler, opts ...RegistrationOption) error {
	if handler == nil {
		return fmt.Errorf("attractor: handler required")
	}
	reg := &registration{handler: handler}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}
	if reg.policy == nil {
		return fmt.Errorf("attractor: address policy required (UseAddress or UseAddressPolicy)")
	}
	if reg.visibility < 0 || reg.leaseTTL < 0 || reg.maxInFlight < 0 {
		return fmt.Errorf("attractor: registration options must be >= 0")
	}
	if reg.visibility == 0 {
		reg.visibility = h.cfg.VisibilityTimeout
	}
	if reg.maxInFlight == 0 {
		reg.maxInFlight = h.cfg.MaxInFlight
	}
	if reg.leaseTTL == 0 {
		reg.leaseTTL = h.cfg.LeaseTTL
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHostClosed
	}
	if h.started {
		return ErrHostStarted
	}
	h.registrations = append(h.registrations, reg)
	return nil
}
