// Command migrate applies or rolls back the chat engine's database schema.
// The schema files are embedded in the binary, so this runs anywhere the
// server binary runs.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/parley/chat-engine/internal/postgres"
)

func main() {
	down := flag.Bool("down", false, "roll back the most recent migration instead of applying")
	flag.Parse()

	config := postgres.DefaultConfig()
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		config.DSN = dsn
	}

	db, err := postgres.Open(config)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if *down {
		if err := postgres.Rollback(db); err != nil {
			log.Fatalf("rollback: %v", err)
		}
		log.Println("rollback complete")
		return
	}

	if err := postgres.Migrate(db); err != nil {
		log.Fatalf("migrate: %v", err)
	}
	log.Println("migrations applied")
}
