// migrate applies or rolls back the embedded Postgres migrations: go run ./cmd/migrate -direction up.
package main

import (
	"flag"
	"fmt"
	"os"

	"iot-platform/monitoring-service/internal/config"
	"iot-platform/monitoring-service/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.StoreDriver != config.StoreDriverPostgres {
		fmt.Fprintf(os.Stderr, "STORE_DRIVER is %q; migrations only apply to postgres\n", cfg.StoreDriver)
		os.Exit(1)
	}

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	fmt.Printf("migrations %s: done\n", *direction)
}
