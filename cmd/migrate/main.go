package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"covenant.church/internal/migrate"
	"covenant.church/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	_ = godotenv.Load()
	var (
		dsn     = flag.String("dsn", os.Getenv("IDENTITY_PG_DSN"), "PostgreSQL DSN")
		table   = flag.String("table", "schema_migrations", "Migration history table")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or IDENTITY_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), pg.Migrations(), pg.Seeds(), migrate.WithMigrationsTable(*table))

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
