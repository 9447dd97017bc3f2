// Package main provides the laminar operator CLI.
//
// It exercises the lineage client against a configured instance: resolving
// artifact identifiers to storage paths, printing the caller account, and
// summarizing non-empty instance tables.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/laminar-io/laminar"
	"github.com/laminar-io/laminar/internal/config"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "laminar"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	resolveFlag := flag.String("resolve", "", "resolve an artifact uid to its storage path")
	accountFlag := flag.Bool("account", false, "print the caller account")
	statsFlag := flag.Bool("stats", false, "print the instance non-empty-table summary")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))

	ctx := context.Background()

	client, err := laminar.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to build client",
			slog.String("instance", cfg.InstanceOwner+"/"+cfg.InstanceName),
			slog.Any("error", err),
		)
		os.Exit(1)
	}
	defer client.Close()

	switch {
	case *resolveFlag != "":
		location, err := client.Resolver.ResolveArtifactLocation(ctx, *resolveFlag)
		if err != nil {
			logger.Error("Failed to resolve artifact",
				slog.String("uid", *resolveFlag),
				slog.Any("error", err),
			)
			os.Exit(1)
		}

		fmt.Println(location)

	case *accountFlag:
		account, err := client.Gateway.Account(ctx)
		if err != nil {
			logger.Error("Failed to fetch account", slog.Any("error", err))
			os.Exit(1)
		}

		fmt.Printf("%s (%s)\n", account.Handle, account.ID)

	case *statsFlag:
		stats, err := client.Gateway.InstanceStatistics(ctx)
		if err != nil {
			logger.Error("Failed to fetch instance statistics", slog.Any("error", err))
			os.Exit(1)
		}

		encoded, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			logger.Error("Failed to encode statistics", slog.Any("error", err))
			os.Exit(1)
		}

		fmt.Println(string(encoded))

	default:
		flag.Usage()
		os.Exit(2)
	}
}
