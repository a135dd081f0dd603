package main

import (
	"flag"
	"log"
	"os"

	"github.com/skyblockdynamic/nestworld/pkg/store"
)

var databaseURL = flag.String("database-url", "", "PostgreSQL DSN (default: DATABASE_URL environment variable)")

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Nestworld Schema Migration Tool")
	log.Println("===============================")

	dsn := *databaseURL
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		log.Fatal("No database configured: pass --database-url or set DATABASE_URL")
	}

	st, err := store.Open(dsn)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("✓ Schema migrated successfully")
}
