/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ampcome-mcps/bluesky-mcp/internal/config"
	"github.com/ampcome-mcps/bluesky-mcp/internal/logutil"
	"github.com/ampcome-mcps/bluesky-mcp/internal/mcp"
	"github.com/ampcome-mcps/bluesky-mcp/internal/social"
	"github.com/ampcome-mcps/bluesky-mcp/internal/social/bluesky"
)

// Version is overridden at build time with -ldflags "-X".
var Version = "dev"

var (
	verboseFlag     bool
	envFileFlag     string
	serviceFlag     string
	noAutoLoginFlag bool
)

// Execute runs the root command until stdin closes or the process is
// interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCommand().ExecuteContext(ctx)
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bluesky-mcp",
		Short: "Bluesky tools for MCP clients",
		Long: "bluesky-mcp is a Model Context Protocol server that lets an MCP client log in to Bluesky, " +
			"publish posts with mentions, links, hashtags and images, and read or react to posts. " +
			"It speaks JSON-RPC on stdin/stdout and logs to stderr.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          runRoot,
		Example: `  BLUESKY_IDENTIFIER=alice.bsky.social BLUESKY_PASSWORD=app-pass bluesky-mcp
  bluesky-mcp --env-file ~/.config/bluesky-mcp.env --verbose
  bluesky-mcp --service https://pds.example.com --no-auto-login`,
	}

	cmd.Flags().BoolVarP(&verboseFlag, "verbose", "V", false, "Enable debug logging")
	cmd.Flags().StringVar(&envFileFlag, "env-file", config.DefaultEnvFile, "Path to a .env file with BLUESKY_* settings")
	cmd.Flags().StringVar(&serviceFlag, "service", "", "PDS URL (overrides "+config.EnvService+")")
	cmd.Flags().BoolVar(&noAutoLoginFlag, "no-auto-login", false, "Skip logging in with configured credentials at startup")
	cmd.Flags().SortFlags = false

	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "bluesky-mcp %s\n", Version)
		},
	}
}

func runRoot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	logutil.SetVerbose(verboseFlag)

	cfg, err := config.Load(envFileFlag)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serviceFlag != "" {
		cfg.Service = serviceFlag
	}

	client := bluesky.New(bluesky.Config{Service: cfg.Service})
	session := social.NewSession(client, cfg)
	server := mcp.NewServer(
		session,
		social.NewComposer(session, client),
		social.NewActions(session, client),
		mcp.WithVersion(Version),
	)

	warnIfInteractive(cmd.InOrStdin())
	if !noAutoLoginFlag {
		autoLogin(ctx, session)
	}

	logutil.Infof("serving MCP on stdio: service=%s", cfg.Service)
	err = server.Run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	switch {
	case errors.Is(err, context.Canceled):
		logutil.Infof("shutting down")
		return nil
	case err != nil:
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// autoLogin never fails startup. Clients can still call the login tool.
func autoLogin(ctx context.Context, session *social.Session) {
	err := session.AutoLogin(ctx)
	var cerr social.ConfigurationError
	switch {
	case err == nil:
	case errors.As(err, &cerr):
		logutil.Infof("note: %v; call the login tool to authenticate", err)
	default:
		logutil.Warnf("auto-login failed: %v; call the login tool to authenticate", err)
	}
}

func warnIfInteractive(in io.Reader) {
	file, ok := in.(*os.File)
	if !ok {
		return
	}
	if term.IsTerminal(int(file.Fd())) {
		logutil.Warnf("stdin is a terminal; bluesky-mcp expects JSON-RPC messages from an MCP client")
	}
}
