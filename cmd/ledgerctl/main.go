// ledgerctl is the operator tool for the custodial ledger.
//
// A withdrawal that crashes between reserve and broadcast outcome stays
// pending with the funds already debited; nothing recovers it
// automatically because re-crediting a withdrawal that did reach the
// chain would double-spend. This tool lists those rows so an operator
// can check the chain and finalize by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/gabrielgalati24/Usdc-app/internal/ledger"
)

func main() {
	_ = godotenv.Load()

	olderThan := flag.Duration("older-than", time.Hour, "only show withdrawals pending longer than this")
	flag.Parse()

	if flag.Arg(0) != "stuck-pending" {
		fmt.Fprintln(os.Stderr, "usage: ledgerctl [-older-than 1h] stuck-pending")
		os.Exit(2)
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is not set")
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := ledger.NewPostgresStore(pool)
	stuck, err := store.ListPendingWithdrawals(ctx, *olderThan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list pending withdrawals: %v\n", err)
		os.Exit(1)
	}

	if len(stuck) == 0 {
		fmt.Printf("no withdrawals pending longer than %s\n", olderThan)
		return
	}

	fmt.Printf("%d withdrawal(s) pending longer than %s:\n", len(stuck), olderThan)
	for _, tx := range stuck {
		fmt.Printf("  %s  account=%s  amount=%s  to=%s  created=%s\n",
			tx.ID,
			tx.FromAccount,
			tx.Amount.StringFixed(ledger.Scale),
			tx.ExternalAddress,
			tx.CreatedAt.Format(time.RFC3339))
	}
}
