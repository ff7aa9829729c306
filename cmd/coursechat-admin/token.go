// ABOUTME: token command: mints a session JWT for local testing
// ABOUTME: Uses the same signing secret the gateway verifies with

package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coursechat-gateway/internal/auth"
)

func (a *app) tokenCommand() *cobra.Command {
	var (
		session auth.Session
		roles   string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token",
		Example: `  coursechat-admin token --tenant math101 --user alice --roles Learner
  coursechat-admin token --tenant math101 --user prof --roles Instructor --ttl 8h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if session.Tenant == "" || session.UserID == "" {
				return errors.New("--tenant and --user are required")
			}
			if err := a.load(); err != nil {
				return err
			}
			if a.cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set in the gateway config")
			}

			for _, r := range strings.Split(roles, ",") {
				if r = strings.TrimSpace(r); r != "" {
					session.Roles = append(session.Roles, r)
				}
			}

			tok, err := auth.NewJWTVerifier([]byte(a.cfg.Auth.JWTSecret)).Generate(&session, ttl)
			if err != nil {
				return fmt.Errorf("signing token: %w", err)
			}
			fmt.Fprintln(a.out, tok)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&session.Tenant, "tenant", "", "course context id")
	f.StringVar(&session.UserID, "user", "", "user id")
	f.StringVar(&session.Name, "name", "", "display name substituted for {person}")
	f.StringVar(&session.Course, "course", "", "course title substituted for {course}")
	f.StringVar(&roles, "roles", "Learner", "comma-separated launch roles")
	f.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
