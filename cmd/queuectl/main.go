// queuectl inspects and repairs the local exam queue. Support tooling:
// run it while the exam client is stopped.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/queue"
)

func main() {
	var dbPath string
	flag.StringVar(&dbPath, "db", "", "Path to the queue database (default: config DATA_DIR)")
	flag.Parse()

	cfg := config.Load()
	if dbPath == "" {
		dbPath = cfg.QueuePath()
	}

	store, err := queue.Open(dbPath, queue.Options{
		MaxAttempts: cfg.MaxSendAttempts,
		Log:         zerolog.Nop(),
	})
	if err != nil {
		log.Fatalf("Open queue failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	args := flag.Args()
	if len(args) < 1 {
		printUsage()
		return
	}

	switch args[0] {
	case "stats":
		stats, err := store.Stats(ctx)
		if err != nil {
			log.Fatalf("Stats failed: %v", err)
		}
		fmt.Printf("Pending: %d, InFlight: %d, Abandoned: %d\n",
			stats.Pending, stats.InFlight, stats.Abandoned)
	case "abandoned":
		ops, err := store.Abandoned(ctx)
		if err != nil {
			log.Fatalf("List failed: %v", err)
		}
		for _, op := range ops {
			fmt.Printf("%s  kind=%s attempts=%d err=%q\n", op.Key, op.Kind, op.Attempts, op.LastError)
		}
		if len(ops) == 0 {
			fmt.Println("No abandoned operations")
		}
	case "retry":
		if len(args) < 2 {
			log.Fatal("retry requires a key argument")
		}
		if err := store.RetryAbandoned(ctx, args[1]); err != nil {
			log.Fatalf("Retry failed: %v", err)
		}
		fmt.Println("Requeued for delivery")
	case "reset-inflight":
		n, err := store.ResetInFlight(ctx)
		if err != nil {
			log.Fatalf("Reset failed: %v", err)
		}
		fmt.Printf("Reset %d in-flight operations to pending\n", n)
	default:
		printUsage()
	}
}

func printUsage() {
	fmt.Println("Usage: queuectl [flags] <command>")
	fmt.Println("Commands: stats, abandoned, retry <key>, reset-inflight")
	fmt.Println("Flags:")
	flag.PrintDefaults()
}
