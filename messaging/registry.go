package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kinebus/kinebus-go/contracts"
)

// Consumer processes one received message. Implementations return nil to
// acknowledge; a non-nil error routes the message through the redelivery
// policy.
type Consumer interface {
	Consume(ctx context.Context, msgCtx *contracts.ConsumeContext) error
}

// ConsumerFunc adapts a function to the Consumer interface
type ConsumerFunc func(ctx context.Context, msgCtx *contracts.ConsumeContext) error

// Consume implements Consumer
func (f ConsumerFunc) Consume(ctx context.Context, msgCtx *contracts.ConsumeContext) error {
	return f(ctx, msgCtx)
}

// ConsumerFactory builds a consumer instance. The factory is invoked once
// when the dispatcher starts the registration; there is no reflective
// construction anywhere in the dispatch path.
type ConsumerFactory func() Consumer

// BatchConsumer processes an ordered batch of messages. A nil result slice
// acknowledges every item; otherwise each item follows its own result.
type BatchConsumer interface {
	ConsumeBatch(ctx context.Context, batch *contracts.BatchConsumeContext) ([]contracts.BatchItemResult, error)
}

// BatchConsumerFactory builds a batch consumer instance
type BatchConsumerFactory func() BatchConsumer

// FailureCallback is invoked on every failed processing attempt, before the
// redelivery decision
type FailureCallback func(ctx context.Context, msgCtx *contracts.ConsumeContext, err error)

// RejectionCallback is invoked when a message exhausts its redeliveries and
// is about to be rejected to the dead-letter route
type RejectionCallback func(ctx context.Context, msgCtx *contracts.ConsumeContext, err error)

// ConsumerOptions configures one consumer registration
type ConsumerOptions struct {
	// Queue is the queue this consumer owns. Required and unique across
	// started registrations.
	Queue string

	// Binding declares the queue and its exchange binding
	Binding QueueBinding

	// Redelivery overrides the dispatcher-wide redelivery policy
	Redelivery *RedeliveryPolicy

	// OnFailure is called on each failed attempt
	OnFailure FailureCallback

	// OnRejected is called when the message is given up on
	OnRejected RejectionCallback

	// ConsumerTag overrides the generated consumer tag
	ConsumerTag string

	// Exclusive requests an exclusive consumer
	Exclusive bool

	// BatchSize enables batch dispatch when > 1
	BatchSize int

	// BatchWindow bounds how long a partial batch may wait before being
	// dispatched anyway
	BatchWindow time.Duration
}

// registration is one named consumer bound to a queue
type registration struct {
	name         string
	factory      ConsumerFactory
	batchFactory BatchConsumerFactory
	options      ConsumerOptions
}

// ConsumerRegistry maps consumer names to factory closures and their queue
// bindings. It is an explicit object owned by the dispatcher; there is no
// process-global registry.
type ConsumerRegistry struct {
	mu            sync.RWMutex
	registrations []*registration
}

// NewConsumerRegistry creates an empty registry
func NewConsumerRegistry() *ConsumerRegistry {
	return &ConsumerRegistry{}
}

// Register adds a consumer under a name. Registering the same name again
// appends a second registration rather than replacing the first; callers
// that want replacement must Unregister first.
func (r *ConsumerRegistry) Register(name string, factory ConsumerFactory, options ConsumerOptions) error {
	if name == "" {
		return fmt.Errorf("messaging: consumer name is required")
	}
	if factory == nil {
		return fmt.Errorf("messaging: consumer %q: factory is required", name)
	}
	if options.Queue == "" {
		return fmt.Errorf("messaging: consumer %q: queue is required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.registrations = append(r.registrations, &registration{
		name:    name,
		factory: factory,
		options: options,
	})
	return nil
}

// RegisterBatch adds a batch consumer under a name. BatchSize must be at
// least 2; use Register for single-message consumers.
func (r *ConsumerRegistry) RegisterBatch(name string, factory BatchConsumerFactory, options ConsumerOptions) error {
	if name == "" {
		return fmt.Errorf("messaging: consumer name is required")
	}
	if factory == nil {
		return fmt.Errorf("messaging: consumer %q: factory is required", name)
	}
	if options.Queue == "" {
		return fmt.Errorf("messaging: consumer %q: queue is required", name)
	}
	if options.BatchSize < 2 {
		return fmt.Errorf("messaging: consumer %q: batch size must be at least 2", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.registrations = append(r.registrations, &registration{
		name:         name,
		batchFactory: factory,
		options:      options,
	})
	return nil
}

// Unregister removes every registration under the given name. Returns
// ErrConsumerNotRegistered when the name is unknown.
func (r *ConsumerRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.registrations[:0]
	removed := false
	for _, reg := range r.registrations {
		if reg.name == name {
			removed = true
			continue
		}
		kept = append(kept, reg)
	}
	r.registrations = kept

	if !removed {
		return ErrConsumerNotRegistered
	}
	return nil
}

// Names returns the registered consumer names in registration order
func (r *ConsumerRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.registrations))
	for _, reg := range r.registrations {
		names = append(names, reg.name)
	}
	return names
}

// snapshot returns a copy of the registration list
func (r *ConsumerRegistry) snapshot() []*registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*registration, len(r.registrations))
	copy(out, r.registrations)
	return out
}
