package attractor

import (
	"context"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/attractor/address"
	"pkt.systems/attractor/internal/mailbox"
	"pkt.systems/attractor/internal/svcfields"
	"pkt.systems/attractor/metadata"
)

// Outbox sends messages to addresses. It needs no address of its own and no
// registration.
type Outbox struct {
	mb     *mailbox.Mailbox
	sender string
	logger pslog.Logger

	// closer is set when the outbox owns its store.
	closer    func() error
	closeOnce sync.Once
	closeErr  error
}

// SendOption customises one Send call.
type SendOption func(*sendOptions)

type sendOptions struct {
	md          metadata.Bag
	contentType string
}

// WithMetadata attaches bag to the message. Keys set by the runtime
// (enqueue time, attempts, claim time) override the same keys in bag.
func WithMetadata(bag metadata.Bag) SendOption {
	return func(o *sendOptions) {
		o.md = o.md.Merge(bag)
	}
}

// WithContentType records a payload content type hint.
func WithContentType(ct string) SendOption {
	return func(o *sendOptions) {
		o.contentType = ct
	}
}

func newOutbox(mb *mailbox.Mailbox, sender string, logger pslog.Logger) *Outbox {
	return &Outbox{
		mb:     mb,
		sender: sender,
		logger: svcfields.WithSubsystem(logger, "outbox"),
	}
}

// NewOutbox opens the store named by cfg and returns a producer-only outbox.
// Close releases the store.
func NewOutbox(cfg Config, opts ...Option) (*Outbox, error) {
	cfgCopy := cfg
	if err := cfgCopy.Validate(); err != nil {
		return nil, err
	}
	o := collectOptions(opts)
	rt, err := openRuntime(context.Background(), cfgCopy, o)
	if err != nil {
		return nil, err
	}
	sender := cfgCopy.Sender
	if sender == "" {
		sender = rt.owner
	}
	out := newOutbox(rt.mailbox, sender, rt.logger)
	out.closer = rt.close
	return out, nil
}

// Send enqueues payload for addr and returns the message id. It fails with
// ErrStoreUnavailable when the store cannot be reached and with
// ErrPayloadTooLarge when payload exceeds the configured limit.
func (o *Outbox) Send(ctx context.Context, addr address.Address, payload []byte, opts ...SendOption) (string, error) {
	var so sendOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&so)
		}
	}
	md := so.md
	if so.contentType != "" {
		if err := metadata.Set(&md, metadata.ContentType, so.contentType); err != nil {
			return "", err
		}
	}
	return o.send(ctx, addr, payload, md)
}

func (o *Outbox) send(ctx context.Context, addr address.Address, payload []byte, md metadata.Bag) (string, error) {
	if o.sender != "" && !md.Has(metadata.Sender.Name()) {
		if err := metadata.Set(&md, metadata.Sender, o.sender); err != nil {
			return "", err
		}
	}
	id, err := o.mb.Enqueue(ctx, addr, payload, md)
	if err != nil {
		o.logger.Debug("outbox.send.error", svcfields.AddressKey, addr.String(), "error", err)
		return "", err
	}
	return id, nil
}

// Sender is the identity recorded on sent messages.
func (o *Outbox) Sender() string { return o.sender }

// Close releases the store when the outbox was opened with NewOutbox. Outboxes
// returned by Host.Outbox share the host's store and Close is a no-op.
func (o *Outbox) Close() error {
	if o.closer == nil {
		return nil
	}
	o.closeOnce.Do(func() {
		o.closeErr = o.closer()
	})
	return o.closeErr
}

// outboxService adapts a host to the HTTP API.
type outboxService struct {
	outbox *Outbox
	host   *Host
}

func (s outboxService) Send(ctx context.Context, addr address.Address, payload []byte, md metadata.Bag) (string, error) {
	return s.outbox.send(ctx, addr, payload, md)
}

func (s outboxService) Resolve(ctx context.Context, addr address.Address) (string, bool, error) {
	return s.host.Resolve(ctx, addr)
}

func (s outboxService) Peek(ctx context.Context, addr address.Address, limit int) ([]mailbox.Record, error) {
	return s.host.mailbox.Peek(ctx, addr, limit)
}

func (s outboxService) Depth(ctx context.Context, addr address.Address) (int, error) {
	return s.host.mailbox.Depth(ctx, addr)
}
