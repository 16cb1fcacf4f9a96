package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"

	"github.com/xenoISA/isA-user-sub009/internal/config"
)

func main() {
	fix := flag.Bool("fix", false, "reset processing outbox rows to new")
	flag.Parse()

	cfg, err := config.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.DBName)

	ctx := context.Background()
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(ctx)

	if *fix {
		tag, err := conn.Exec(ctx, "UPDATE outbox SET status = 'new' WHERE status = 'processing'")
		if err != nil {
			fmt.Printf("Fix failed: %v\n", err)
		} else {
			fmt.Printf("Reset %d stuck outbox rows\n", tag.RowsAffected())
		}
	}

	fmt.Println("--- Usage records ---")
	rows, _ := conn.Query(ctx, "SELECT id, user_id, model, input_tokens, output_tokens FROM usage_records ORDER BY created_at DESC LIMIT 5")
	for rows.Next() {
		var id, userID, model string
		var in, out int64
		rows.Scan(&id, &userID, &model, &in, &out)
		fmt.Printf("ID: %s | User: %s | Model: %s | Tokens: %d in / %d out\n", id, userID, model, in, out)
	}

	fmt.Println("\n--- Outbox ---")
	rows, _ = conn.Query(ctx, "SELECT id, status, event_type, subject FROM outbox ORDER BY created_at DESC LIMIT 5")
	for rows.Next() {
		var id, status, eventType, subject string
		rows.Scan(&id, &status, &eventType, &subject)
		fmt.Printf("ID: %s | Status: %s | Type: %s | Subject: %s\n", id, status, eventType, subject)
	}

	fmt.Println("\n--- Wallets ---")
	rows, _ = conn.Query(ctx, "SELECT user_id, balance, updated_at FROM wallets ORDER BY updated_at DESC LIMIT 5")
	for rows.Next() {
		var userID string
		var balance float64
		var updatedAt interface{}
		rows.Scan(&userID, &balance, &updatedAt)
		fmt.Printf("User: %s | Balance: %.4f | Updated: %v\n", userID, balance, updatedAt)
	}

	var processed int64
	conn.QueryRow(ctx, "SELECT COUNT(*) FROM processed_events").Scan(&processed)
	fmt.Printf("\nProcessed events: %d\n", processed)
}
