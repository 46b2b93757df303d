// Copyright (c) 2025 HYPR. PTE. LTD.
//
// Business Source License 1.1
// See LICENSE file in the project root for details.

package eventbus

import (
	"context"
	"errors"
)

// Bus is a thin abstraction over the notification distribution mechanism.
// Subscribers receive payloads on their own channel; a slow subscriber may
// miss payloads but never blocks publishers.
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
	Subscribe(topic string, ch chan<- any) (unsubscribe func(), err error)
}

// Tee publishes to every bus and subscribes on the first one, so local
// subscribers keep working while notices are also forwarded elsewhere.
type Tee []Bus

var _ Bus = Tee(nil)

func (t Tee) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, b := range t {
		if err := b.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t Tee) Subscribe(topic string, ch chan<- any) (func(), error) {
	if len(t) == 0 {
		return nil, errors.New("eventbus: tee has no buses")
	}
	return t[0].Subscribe(topic, ch)
}
