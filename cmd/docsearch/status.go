package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/basket/docsearch/internal/config"
	"github.com/basket/docsearch/internal/opsclient"
)

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: docsearch status")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	health, err := opsclient.New(cfg.BindAddr, cfg.AuthToken).Health(reqCtx)

	var apiErr *opsclient.APIError
	if err != nil && !errors.As(err, &apiErr) {
		fmt.Fprintf(os.Stderr, "status: %v\n", err)
		return 1
	}
	if len(health) > 0 {
		body, _ := json.Marshal(health)
		fmt.Fprintln(os.Stdout, string(body))
	}
	if err != nil {
		if len(health) == 0 {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
		}
		return 1
	}
	return 0
}
