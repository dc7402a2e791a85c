package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/skritter/studysync/internal/schema"
	"github.com/skritter/studysync/internal/storage"
	"github.com/skritter/studysync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login [username]",
	GroupID: "account",
	Short:   "Sign in and save the session locally",
	Long: `Exchange a username and password for an access token and save it in
the local store. The account's style and part settings are saved with it
and used when study.style and study.parts are not configured.

In a terminal the credentials are asked for interactively. Otherwise the
password is read from the first line of stdin.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpen(ctx, nil)
		defer a.Close()

		var username string
		if len(args) == 1 {
			username = args[0]
		}
		username, password, err := readCredentials(username)
		exitOn(a, err, "reading credentials")

		token, err := a.client.Authenticate(ctx, username, password)
		exitOn(a, err, "signing in")
		a.client.SetToken(token)
		exitOn(a, storage.PutMeta(ctx, a.store, tokenKey, token), "saving session")

		user, err := a.client.GetUser(ctx, token.UserID)
		if err != nil {
			fmt.Printf("%s Signed in, but account settings could not be loaded: %v\n", ui.RenderWarn("⚠"), err)
			return
		}
		exitOn(a, storage.PutMeta(ctx, a.store, userKey, user), "saving account settings")

		fmt.Printf("%s Signed in as %s\n", ui.RenderPass("✓"), ui.RenderAccent(user.Name))
		fmt.Printf("   Style: %s, parts: %v\n", user.Style(), user.Parts())
		fmt.Printf("   Run 'sk sync' to download your study data\n")
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "account",
	Short:   "Forget the saved session",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := mustOpen(ctx, nil)
		defer a.Close()

		exitOn(a, a.store.Remove(ctx, schema.TableMeta, tokenKey, userKey), "removing session")
		fmt.Printf("%s Signed out\n", ui.RenderPass("✓"))
	},
}

// readCredentials asks for whatever is missing. A form is shown on a
// terminal; piped input supplies the password on its first line.
func readCredentials(username string) (string, string, error) {
	var password string
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		if username == "" {
			return "", "", fmt.Errorf("username argument is required when stdin is not a terminal")
		}
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return "", "", fmt.Errorf("failed to read password: %w", err)
		}
		return username, strings.TrimRight(line, "\r\n"), nil
	}

	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Username").
			Value(&username).
			Validate(required("username")),
		huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(&password).
			Validate(required("password")),
	))
	if err := form.Run(); err != nil {
		return "", "", err
	}
	return strings.TrimSpace(username), password, nil
}

func required(name string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", name)
		}
		return nil
	}
}

// confirm asks a yes/no question, defaulting to no off a terminal.
func confirm(ctx context.Context, title string) (bool, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, nil
	}
	var ok bool
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Affirmative("Yes").
			Negative("No").
			Value(&ok),
	))
	err := form.RunWithContext(ctx)
	return ok, err
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
