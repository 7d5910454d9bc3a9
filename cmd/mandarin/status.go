package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	mandarin "github.com/yaront1111/mandarin-sub008"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and credential status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		serverURL := cfg.Server.URL
		if serverURL == "" {
			serverURL = mandarin.DefaultServerURL
		}
		fmt.Printf("Server:  %s\n", serverURL)

		if cfg.Auth.Token == "" {
			fmt.Println("Token:   (not set — run 'mandarin init <token>')")
			return nil
		}

		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(cfg.Auth.Token, claims); err != nil {
			fmt.Println("Token:   set (opaque, not a JWT)")
			return nil
		}

		sub, _ := claims.GetSubject()
		if sub != "" {
			fmt.Printf("User:    %s\n", sub)
		}
		exp, err := claims.GetExpirationTime()
		if err == nil && exp != nil {
			if exp.Before(time.Now()) {
				fmt.Printf("Token:   expired %s\n", exp.Format(time.RFC3339))
			} else {
				fmt.Printf("Token:   valid until %s\n", exp.Format(time.RFC3339))
			}
		} else {
			fmt.Println("Token:   set (no expiry claim)")
		}
		return nil
	},
}
