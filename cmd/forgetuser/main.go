// Command forgetuser is the staff tool for forcing a forget request past
// user confirmation. It mints a short-lived staff token from the shared
// signing key and calls the server's admin surface.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	jwttoken "oblivion/internal/jwt_token"
	"oblivion/internal/platform/config"
	"oblivion/pkg/domain"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		serverURL string
		userID    string
		staffID   string
		reason    string
	)

	cmd := &cobra.Command{
		Use:   "forgetuser",
		Short: "Force a right-to-be-forgotten request for a user",
		Long: `Creates and immediately executes a forget request for the given user,
bypassing the confirmation step. Use only with documented authorization;
every invocation is recorded in the audit trail under your staff id.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := domain.ParseUserID(userID); err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			staff, err := uuid.Parse(staffID)
			if err != nil {
				return fmt.Errorf("invalid --staff: %w", err)
			}
			if reason == "" {
				return fmt.Errorf("--reason is required for forced requests")
			}

			cfg := config.FromEnv()
			jwtService := jwttoken.NewJWTService(cfg.JWTSigningKey, "oblivion", "oblivion-admin")
			token, err := jwtService.GenerateAccessToken(staff, jwttoken.RoleStaff, 5*time.Minute)
			if err != nil {
				return fmt.Errorf("mint staff token: %w", err)
			}

			return force(cmd, serverURL, token, userID, reason)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the oblivion server")
	cmd.Flags().StringVar(&userID, "user", "", "UUID of the user to forget")
	cmd.Flags().StringVar(&staffID, "staff", "", "UUID of the staff member performing the action")
	cmd.Flags().StringVar(&reason, "reason", "", "why confirmation is being bypassed")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("staff")

	return cmd
}

func force(cmd *cobra.Command, serverURL, token, userID, reason string) error {
	payload, err := json.Marshal(map[string]string{
		"user_id": userID,
		"reason":  reason,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
		serverURL+"/admin/requests/force", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("call server: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("server returned %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(body)))
	return nil
}
