package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/kite/internal/buildkite"
	"github.com/zulandar/kite/internal/credentials"
	"golang.org/x/term"
)

func newOrgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "org",
		Short: "Organization and credential management",
	}

	cmd.AddCommand(newOrgAddCmd())
	cmd.AddCommand(newOrgListCmd())
	cmd.AddCommand(newOrgRemoveCmd())
	cmd.AddCommand(newOrgUseCmd())
	return cmd
}

func newOrgAddCmd() *cobra.Command {
	var (
		token    string
		store    string
		noVerify bool
	)

	cmd := &cobra.Command{
		Use:   "add <slug>",
		Short: "Add an organization and store its API token",
		Long:  "Adds an organization. The token is read from --token or prompted for, verified against the API, and stored in the OS keychain (default) or the config file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrgAdd(cmd, args[0], token, credentials.Source(store), !noVerify)
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "API access token (prompted when omitted)")
	cmd.Flags().StringVar(&store, "store", string(credentials.SourceKeychain), "where to store the token (keychain, config)")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "skip checking the token against the API")
	return cmd
}

func runOrgAdd(cmd *cobra.Command, slug, token string, dest credentials.Source, verify bool) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if token == "" {
		token, err = promptToken(cmd.InOrStdin(), out, slug)
		if err != nil {
			return err
		}
	}
	if token == "" {
		return fmt.Errorf("no token given for %s", slug)
	}

	if verify {
		if err := verifyToken(cmd.Context(), a.cfg.APIURL, token, slug); err != nil {
			return err
		}
		fmt.Fprintln(out, "Token verified")
	}

	if err := a.creds.Store(slug, token, dest); err != nil {
		if dest == credentials.SourceKeychain {
			return fmt.Errorf("%w (retry with --store config to keep the token in the config file)", err)
		}
		return err
	}
	if err := a.save(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Added organization %s (token in %s)\n", slug, dest)
	if a.cfg.CurrentOrganization == slug {
		fmt.Fprintf(out, "Current organization: %s\n", slug)
	}
	return nil
}

// promptToken reads a token from in, without echo when in is a terminal.
func promptToken(in io.Reader, out io.Writer, slug string) (string, error) {
	fmt.Fprintf(out, "API token for %s: ", slug)
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// verifyToken checks token against the API and that it can see org.
func verifyToken(ctx context.Context, apiURL, token, org string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := buildkite.NewClient(buildkite.Options{BaseURL: apiURL, Token: token})
	if err != nil {
		return err
	}
	if _, err := c.AccessToken(ctx); err != nil {
		return fmt.Errorf("verify token: %s", buildkite.Describe(err))
	}
	orgs, err := c.ListOrganizations(ctx)
	if err != nil {
		return fmt.Errorf("verify token: %s", buildkite.Describe(err))
	}
	for _, o := range orgs {
		if o.Slug == org {
			return nil
		}
	}
	return fmt.Errorf("verify token: token has no access to organization %q", org)
}

func newOrgListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrgList(cmd)
		},
	}
}

func runOrgList(cmd *cobra.Command) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	slugs := a.cfg.OrganizationSlugs()
	if len(slugs) == 0 {
		fmt.Fprintln(out, "No organizations configured. Run `kite org add <slug>`.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ORGANIZATION\tCURRENT\tTOKEN")
	for _, slug := range slugs {
		current := ""
		if slug == a.cfg.CurrentOrganization {
			current = "*"
		}
		source := "missing"
		if tok, err := a.creds.Resolve(slug); err == nil {
			source = string(tok.Source)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", slug, current, source)
	}
	return w.Flush()
}

func newOrgRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <slug>",
		Short: "Remove an organization and forget its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrgRemove(cmd, args[0])
		},
	}
}

func runOrgRemove(cmd *cobra.Command, slug string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	if err := a.creds.Forget(slug); err != nil {
		return err
	}
	if err := a.cfg.RemoveOrganization(slug); err != nil {
		return err
	}
	if err := a.save(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed organization %s\n", slug)
	return nil
}

func newOrgUseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "use <slug>",
		Short: "Set the current organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrgUse(cmd, args[0])
		},
	}
}

func runOrgUse(cmd *cobra.Command, slug string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	if err := a.cfg.UseOrganization(slug); err != nil {
		return err
	}
	if err := a.save(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Current organization: %s\n", slug)
	return nil
}
