package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostwise/hostwise/internal/auth"
	"github.com/hostwise/hostwise/internal/config"
	"github.com/hostwise/hostwise/internal/db"
)

// version is overridden at build time with -ldflags.
var version = "dev"

var (
	configPath   string
	tokenSubject string
	tokenTTL     string
)

var rootCmd = &cobra.Command{
	Use:   "hostwise",
	Short: "Messaging session gateway for property operators",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway server",
	Run: func(_ *cobra.Command, _ []string) {
		runServe()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := db.Migrate(cfg.Postgres); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		fmt.Println("migrations applied")
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API token for an operator",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		secret := strings.TrimSpace(cfg.Auth.JWTSecret)
		if secret == "" {
			return fmt.Errorf("auth.jwt_secret not set in config")
		}
		subject := strings.TrimSpace(tokenSubject)
		if subject == "" {
			return fmt.Errorf("missing --subject")
		}
		ttl := config.Duration(tokenTTL, config.Duration(cfg.Auth.JWTExpiresIn, 24*time.Hour))
		token, expiresAt, err := auth.GenerateToken(subject, secret, ttl)
		if err != nil {
			return fmt.Errorf("generate token: %w", err)
		}
		fmt.Println(token)
		fmt.Fprintf(os.Stderr, "expires %s\n", expiresAt.Format(time.RFC3339))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "operator the token identifies")
	tokenCmd.Flags().StringVar(&tokenTTL, "ttl", "", "token lifetime (e.g. 24h)")
	rootCmd.AddCommand(serveCmd, migrateCmd, tokenCmd, versionCmd)
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
