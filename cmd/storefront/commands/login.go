package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/storefront/pkg/auth"
)

// loginPrompt answers with assertion when given, otherwise asks on the
// terminal. An empty answer aborts the login.
func loginPrompt(assertion string) auth.Prompt {
	if assertion != "" {
		return auth.StaticPrompt(assertion)
	}
	return auth.PromptFunc(func(ctx context.Context) (string, error) {
		fmt.Fprint(os.Stderr, "Login assertion (empty to cancel): ")

		line := make(chan string, 1)
		go func() {
			text, _ := bufio.NewReader(os.Stdin).ReadString('\n')
			line <- strings.TrimSpace(text)
		}()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case text := <-line:
			if text == "" {
				return "", auth.ErrLoginAborted
			}
			return text, nil
		}
	})
}

func newLoginCommand() *cobra.Command {
	var assertion string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in to the marketplace",
		Long: `Exchange a login assertion for a session token. The token is stored in the
data directory and used to sign API requests.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, loginPrompt(assertion))
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if a.session.LoggedIn() {
				fmt.Println("Already signed in")
				return nil
			}
			if err := a.session.Login(ctx); err != nil {
				return err
			}
			fmt.Println("✓ Signed in")
			return nil
		},
	}

	cmd.Flags().StringVar(&assertion, "assertion", "", "login assertion (prompted for when empty)")
	return cmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			session, err := auth.NewSession(nil, nil, cfg.SessionPath(), nil)
			if err != nil {
				return err
			}
			if err := session.Logout(); err != nil {
				return err
			}
			fmt.Println("✓ Signed out")
			return nil
		},
	}
}
