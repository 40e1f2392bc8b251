package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/grovehq/grove-gateway/internal"
	"github.com/grovehq/grove-gateway/internal/config"
	"github.com/grovehq/grove-gateway/internal/log"
)

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"baseUrl":     "https://gateway.grove.example.com",
		"addr":        ":8080",
		"environment": "production",
		"identity": map[string]any{
			"clientId":         map[string]string{"$env": "GROVE_ID_CLIENT_ID"},
			"clientSecret":     map[string]string{"$env": "GROVE_ID_CLIENT_SECRET"},
			"authorizationUrl": "https://id.grove.example.com/authorize",
			"tokenUrl":         "https://id.grove.example.com/token",
			"userInfoUrl":      "https://id.grove.example.com/userinfo",
			"redirectUri":      "https://gateway.grove.example.com/oauth/callback",
		},
		"oauth": map[string]any{
			"issuer":        "https://gateway.grove.example.com",
			"tokenTtl":      "1h",
			"jwtSecret":     map[string]string{"$env": "JWT_SECRET"},
			"encryptionKey": map[string]string{"$env": "ENCRYPTION_KEY"},
		},
		"services": map[string]any{
			"lattice": map[string]string{"baseUrl": "https://lattice.grove.example.com"},
			"amber":   map[string]string{"baseUrl": "https://amber.grove.example.com"},
			"bloom":   map[string]string{"baseUrl": "https://bloom.grove.example.com"},
			"pulse":   map[string]string{"baseUrl": "https://pulse.grove.example.com"},
			"forage":  map[string]string{"baseUrl": "https://forage.grove.example.com"},
			"burrow":  map[string]string{"baseUrl": "https://burrow.grove.example.com"},
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func main() {
	conf := flag.String("config", "", "path to config file (required)")
	version := flag.Bool("version", false, "print version and exit")
	help := flag.Bool("help", false, "print help and exit")
	configInit := flag.String("config-init", "", "generate default config file at specified path")
	validate := flag.Bool("validate", false, "validate config file and exit")
	flag.Parse()

	if *help {
		flag.Usage()
		return
	}
	if *version {
		fmt.Println(internal.Version)
		return
	}
	if *configInit != "" {
		if err := generateDefaultConfig(*configInit); err != nil {
			log.LogError("Failed to generate config: %v", err)
			os.Exit(1)
		}
		fmt.Printf("Generated default config at: %s\n", *configInit)
		return
	}

	if *conf == "" {
		fmt.Fprintf(os.Stderr, "Error: -config flag is required\n")
		fmt.Fprintf(os.Stderr, "Run with -help for usage information\n")
		os.Exit(1)
	}

	if *validate {
		if _, err := config.Load(*conf); err != nil {
			fmt.Fprintf(os.Stderr, "Validation failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Result: PASS")
		return
	}

	cfg, err := config.Load(*conf)
	if err != nil {
		log.LogError("Failed to load config: %v", err)
		os.Exit(1)
	}

	log.LogInfoWithFields("main", "Starting grove-gateway", map[string]any{
		"version": internal.Version,
		"config":  *conf,
	})

	gateway, err := internal.NewGateway(context.Background(), cfg)
	if err != nil {
		log.LogError("Failed to build gateway: %v", err)
		os.Exit(1)
	}

	if err := gateway.Run(); err != nil {
		log.LogError("Gateway exited with error: %v", err)
		os.Exit(1)
	}
}
