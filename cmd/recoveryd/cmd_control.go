package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/breatheroute/recoveryd/internal/auth"
	"github.com/breatheroute/recoveryd/internal/client"
	"github.com/breatheroute/recoveryd/internal/config"
)

func newClient() (*client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{BaseURL: baseURL(cfg), Token: token}), nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	h, err := c.Health(cmd.Context())
	if h != nil {
		// A fatal supervisor still reports its summary.
		if printErr := printJSON(cmd.OutOrStdout(), h); printErr != nil {
			return printErr
		}
	}
	return err
}

func runStatus(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	st, err := c.Status(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), st)
}

func runReset(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	res, err := c.Reset(cmd.Context())
	if errors.Is(err, client.ErrConflict) {
		return fmt.Errorf("another reset is running, try again shortly: %w", err)
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	tok, expiresAt, err := issueToken(cfg, tokenSubject, tokenTTL)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]interface{}{
		"token":     tok,
		"expiresAt": expiresAt,
	})
}

func issueToken(cfg *config.Config, subject string, ttl time.Duration) (string, time.Time, error) {
	if cfg.Control.TokenSecret == "" {
		return "", time.Time{}, errors.New("control.token_secret is not configured")
	}
	svc := auth.NewTokenService(auth.TokenConfig{Secret: cfg.Control.TokenSecret})
	return svc.Issue(subject, ttl, auth.ScopeReset)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
