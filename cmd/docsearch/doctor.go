package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/docsearch/internal/config"
	"github.com/basket/docsearch/internal/doctor"
	"github.com/basket/docsearch/internal/opsclient"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: docsearch doctor [-json]")
			return 2
		}
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	var probe doctor.HealthProbe
	if cfgPtr != nil {
		client := opsclient.New(cfg.BindAddr, cfg.AuthToken)
		probe = client.Health
	}
	diag := doctor.Run(ctx, cfgPtr, Version, probe)

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		printDiagnosis(out, diag)
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func printDiagnosis(out io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(out, "docsearch doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(out, "---")
	for _, res := range diag.Results {
		fmt.Fprintf(out, "[%-4s] %-12s %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "       %s\n", res.Detail)
		}
	}
}
