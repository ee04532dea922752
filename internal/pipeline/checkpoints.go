package pipeline

import (
	"context"
	"fmt"

	"github.com/mohammed-shakir/h3-reagg/internal/checkpoint"
	"github.com/mohammed-shakir/h3-reagg/internal/core/config"
)

// OpenCheckpoints returns the store selected by c and a func releasing it.
func OpenCheckpoints(ctx context.Context, c config.CheckpointCfg) (checkpoint.Store, func() error, error) {
	nop := func() error { return nil }
	switch c.Driver {
	case "", "none":
		return checkpoint.Nop{}, nop, nil
	case "file":
		s, err := checkpoint.NewFileStore(c.Dir)
		if err != nil {
			return nil, nop, err
		}
		return s, nop, nil
	case "redis":
		s, err := checkpoint.NewRedisStore(ctx, c.RedisAddr, c.TTL)
		if err != nil {
			return nil, nop, err
		}
		return s, s.Close, nil
	default:
		return nil, nop, fmt.Errorf("unknown checkpoint driver %q", c.Driver)
	}
}
