package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/phillip-england/minedesk/internal/clientapp"
	"github.com/phillip-england/minedesk/internal/envutil"
	"github.com/phillip-england/minedesk/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := envutil.LoadDotEnv(".env"); err != nil {
		log.Fatal(err)
	}
	cfg, err := clientapp.ConfigFromEnv()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New("minedesk-client", os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	if err := clientapp.Run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}
