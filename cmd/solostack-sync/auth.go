package main

import (
	"net/http"
	"os"
	"time"

	"github.com/MarcoPoloResearchLab/solostack/sync/internal/auth"
	"github.com/MarcoPoloResearchLab/solostack/sync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newAuthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Provider credential utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "selftest",
		Short: "Exercise the secure credential store with a write/read/delete round trip",
		RunE: func(cmd *cobra.Command, args []string) error {
			report := auth.NewEnclaveStore().SelfTest(cmd.Context())
			return writeJSON(os.Stdout, report)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Exchange the configured refresh token for a new provider access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := currentConfig()
			if err != nil {
				return err
			}
			state := auth.State{
				RefreshToken:    appConfig.ProviderRefreshToken,
				TokenRefreshURL: appConfig.ProviderTokenRefreshURL,
				ClientID:        appConfig.ProviderClientID,
				ClientSecret:    appConfig.ProviderClientSecret,
			}
			client := &http.Client{Timeout: appConfig.RequestTimeout()}
			refreshed, err := auth.RefreshAccessToken(cmd.Context(), client, state, time.Now())
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, struct {
				TokenType string `json:"token_type"`
				ExpiresAt int64  `json:"expires_at"`
				Rotated   bool   `json:"refresh_token_rotated"`
			}{
				TokenType: refreshed.TokenType,
				ExpiresAt: refreshed.ExpiresAt,
				Rotated:   refreshed.RefreshToken != state.RefreshToken,
			})
		},
	})
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Relay device token utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "issue <device-id>",
		Short: "Issue a signed relay bearer token for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := currentConfig()
			if err != nil {
				return err
			}
			if err := appConfig.RequireRelay(); err != nil {
				return err
			}
			issuer, err := (&runtime{config: appConfig}).tokenIssuer()
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueDeviceToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, struct {
				AccessToken string `json:"access_token"`
				TokenType   string `json:"token_type"`
				ExpiresIn   int64  `json:"expires_in"`
			}{AccessToken: token, TokenType: "Bearer", ExpiresIn: expiresIn})
		},
	})
	return cmd
}

func currentConfig() (config.AppConfig, error) {
	return config.Load(viper.GetViper())
}
