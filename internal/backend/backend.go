// Package backend defines the boundary between chat-network adapters and
// the dispatch router.
package backend

import (
	"context"
	"fmt"

	"github.com/msageha/nightline/internal/model"
)

type InboundKind int

const (
	KindStatus InboundKind = iota + 1
	KindMessage
	KindChatState
)

func (k InboundKind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindMessage:
		return "msg"
	case KindChatState:
		return "chat_state"
	default:
		return "unknown"
	}
}

// Inbound is one normalised item from an adapter. Status items carry only
// Service and State; messages carry Address and Text; chat states carry
// Address and State.
type Inbound struct {
	Kind    InboundKind
	Service string
	Address string
	Text    string
	State   string
}

// DefaultState is the chat state sent with ordinary replies.
const DefaultState = "active"

// Outbound is a delivery to one end user.
type Outbound struct {
	Address string
	Text    string
	State   string
}

// Adapter is what the router needs from a backend.
type Adapter interface {
	Name() string
	Inbound() <-chan Inbound
	// Send queues o without blocking.
	Send(o Outbound) error
}

// Runner is implemented by adapters that own I/O loops.
type Runner interface {
	Run(ctx context.Context) error
}

// Channels is an Adapter backed by buffered channels. Concrete adapters
// embed it; tests drive it directly.
type Channels struct {
	name string
	in   chan Inbound
	out  chan Outbound
}

func NewChannels(name string, size int) *Channels {
	if size <= 0 {
		size = 64
	}
	return &Channels{
		name: name,
		in:   make(chan Inbound, size),
		out:  make(chan Outbound, size),
	}
}

func (c *Channels) Name() string              { return c.name }
func (c *Channels) Inbound() <-chan Inbound   { return c.in }
func (c *Channels) Outbound() <-chan Outbound { return c.out }

func (c *Channels) Send(o Outbound) error {
	if o.State == "" {
		o.State = DefaultState
	}
	select {
	case c.out <- o:
		return nil
	default:
		return fmt.Errorf("backend %s outbound queue full: %w", c.name, model.ErrAdapterUnavailable)
	}
}

// Push hands an inbound item to the router, blocking until there is room or
// ctx ends.
func (c *Channels) Push(ctx context.Context, in Inbound) error {
	if in.Service == "" {
		in.Service = c.name
	}
	select {
	case c.in <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PushStatus reports connectivity for this backend.
func (c *Channels) PushStatus(ctx context.Context, status string) error {
	return c.Push(ctx, Inbound{Kind: KindStatus, Service: c.name, State: status})
}
