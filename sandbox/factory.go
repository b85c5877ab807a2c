package sandbox

import (
	"context"

	"github.com/tomyedwab/workerhost/types"
)

// Factory creates sandbox domains with a fixed set of options.
type Factory struct {
	opts []Option
}

// NewFactory returns a DomainFactory producing sandbox domains.
func NewFactory(opts ...Option) *Factory {
	return &Factory{opts: opts}
}

// CreateDomain implements types.DomainFactory.
func (f *Factory) CreateDomain(ctx context.Context, req types.CreateRequest, events types.DomainEvents) (types.Domain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return New(req, events, f.opts...)
}

var _ types.DomainFactory = (*Factory)(nil)
