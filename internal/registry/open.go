package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/SuicidePanda1738/kismet-webui/internal/config"
)

// Open returns the store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.RegistryConfig, log zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("registry dir: %w", err)
			}
		}
		return OpenSQLite(cfg.Path, 0, log)
	case "redis":
		return OpenRedis(ctx, cfg.RedisAddr, cfg.RedisDB, cfg.RedisPrefix)
	case "memory":
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown registry backend %q", cfg.Backend)
}
