package settings

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// ReloadNotifier broadcasts and receives config reload signals through redis
// pub/sub so every process swaps its ConfigCache snapshot after an admin
// correction, not just the one that handled the write.
//
// The notifier is optional: a nil notifier or nil client disables
// broadcasting and the cache falls back to explicit local reloads.
type ReloadNotifier struct {
	client  *redis.Client
	channel string
}

// NewReloadNotifier constructs a ReloadNotifier on the given redis client.
func NewReloadNotifier(client *redis.Client) *ReloadNotifier {
	return &ReloadNotifier{client: client, channel: ReloadChannel}
}

// Publish announces a config change to all subscribed processes.
func (n *ReloadNotifier) Publish(ctx context.Context) error {
	if n == nil || n.client == nil {
		return nil
	}
	return n.client.Publish(ctx, n.channel, "reload").Err()
}

// Subscribe listens for reload announcements and invokes onReload for each
// one until the context is cancelled. It runs in the calling goroutine.
func (n *ReloadNotifier) Subscribe(ctx context.Context, onReload func(context.Context)) {
	if n == nil || n.client == nil || onReload == nil {
		return
	}

	sub := n.client.Subscribe(ctx, n.channel)
	defer func() { _ = sub.Close() }()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg == nil {
				continue
			}
			onReload(ctx)
		}
	}
}
