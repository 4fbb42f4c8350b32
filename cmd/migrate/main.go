// cmd/migrate: 独立执行 exchange 审计表迁移 (与 relay 启动时的自动迁移相同)。
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/multi-agent/rag-relay/internal/config"
	"github.com/multi-agent/rag-relay/internal/database"
)

func main() {
	cfg := config.Load()
	if cfg.PostgresConnStr == "" {
		fmt.Println("POSTGRES_CONNECTION_STRING not set")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, cfg.MigrationsDir); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		pool.Close()
		os.Exit(1)
	}
	fmt.Println("Migration complete.")
}
