package history

import (
	"context"
	"fmt"

	"github.com/weiawesome/wes-io-live/chat-session/internal/config"
)

// Open returns the Store a client session reads from, per history.backend.
// "none" or "" yields a nil Store. The returned close func is never nil.
func Open(cfg *config.Config, token func(ctx context.Context) (string, error)) (Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.History.Backend {
	case "", "none":
		return nil, noop, nil
	case "http":
		return NewHTTPClient(cfg.History, nil).WithBearer(token), noop, nil
	case "redis":
		store, err := NewRedisStore(cfg.Redis)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown history backend %q", cfg.History.Backend)
	}
}
