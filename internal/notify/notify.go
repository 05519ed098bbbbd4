// Package notify tells someone that a watched key received a new item.
package notify

import (
	"context"
	"errors"

	"github.com/flitsinc/inboxwatch/internal/log"
	"github.com/flitsinc/inboxwatch/internal/monitor"
)

type Notifier interface {
	Notify(ctx context.Context, key monitor.Key, item monitor.Item) error
}

type Func func(ctx context.Context, key monitor.Key, item monitor.Item) error

func (f Func) Notify(ctx context.Context, key monitor.Key, item monitor.Item) error {
	return f(ctx, key, item)
}

// LogNotifier writes each new item to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(ctx context.Context, key monitor.Key, item monitor.Item) error {
	log.Info(ctx, "new item",
		log.String("key", string(key)),
		log.String("item_id", item.ID),
		log.String("from", item.From),
		log.String("subject", item.Subject),
		log.String("date", item.Date))
	return nil
}

// Multi calls every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, key monitor.Key, item monitor.Item) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, key, item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
