package commands

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/medgrid/vitalwatch/internal/config"
	"github.com/medgrid/vitalwatch/internal/scoring"
)

// NewTestCmd creates the test command
func NewTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Test upstream service configuration",
		Long:  "Probe the scoring and identity services named in the environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			fmt.Printf("Testing scoring service: %s\n", cfg.ScoringURL)
			scorer := scoring.NewClient(cfg.ScoringURL)
			if err := scorer.Health(ctx); err != nil {
				return fmt.Errorf("scoring service unreachable: %w", err)
			}
			fmt.Println("✓ Scoring service is accessible")

			if cfg.IdentityURL == "" {
				fmt.Println("IDENTITY_URL is not set, skipping identity probe")
				return nil
			}

			jwksURL := strings.TrimRight(cfg.IdentityURL, "/") + "/.well-known/jwks.json"
			fmt.Printf("\nTesting identity JWKS endpoint: %s\n", jwksURL)
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURL, nil)
			if err != nil {
				return fmt.Errorf("failed to build identity request: %w", err)
			}
			if cfg.IdentityAPIKey != "" {
				req.Header.Set("apikey", cfg.IdentityAPIKey)
			}
			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("failed to reach identity service: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("identity JWKS endpoint returned status: %d", resp.StatusCode)
			}
			fmt.Println("✓ Identity service is accessible")

			fmt.Println("\n✓ Upstream configuration test passed")
			return nil
		},
	}

	return cmd
}
