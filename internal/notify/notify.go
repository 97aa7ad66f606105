// Package notify delivers deal digests to the operator by email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrDeliveryFailed is returned when a digest reached none of its recipients.
var ErrDeliveryFailed = errors.New("delivery failed")

// Notifier sends a digest to a list of recipients.
type Notifier interface {
	Send(ctx context.Context, d Digest, recipients []string) (Delivery, error)
}

// RecipientResult is the outcome of sending to one address.
type RecipientResult struct {
	Recipient string
	Err       error
}

// Delivery collects the per-recipient outcomes of one send.
type Delivery struct {
	Results []RecipientResult
}

// Delivered reports whether at least one recipient accepted the message.
func (d Delivery) Delivered() bool {
	for _, r := range d.Results {
		if r.Err == nil {
			return true
		}
	}
	return false
}

// Succeeded returns the recipients that accepted the message.
func (d Delivery) Succeeded() []string {
	var out []string
	for _, r := range d.Results {
		if r.Err == nil {
			out = append(out, r.Recipient)
		}
	}
	return out
}

// Err summarises the failures, wrapping ErrDeliveryFailed when nothing was delivered.
func (d Delivery) Err() error {
	var msgs []string
	for _, r := range d.Results {
		if r.Err != nil {
			msgs = append(msgs, fmt.Sprintf("%s: %v", r.Recipient, r.Err))
		}
	}
	switch {
	case len(d.Results) == 0:
		return fmt.Errorf("%w: no recipients", ErrDeliveryFailed)
	case len(msgs) == len(d.Results):
		return fmt.Errorf("%w: %s", ErrDeliveryFailed, strings.Join(msgs, "; "))
	case len(msgs) > 0:
		return fmt.Errorf("partial delivery: %s", strings.Join(msgs, "; "))
	}
	return nil
}
