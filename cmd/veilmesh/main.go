package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"veilmesh/internal/config"
	"veilmesh/internal/crypto"
	"veilmesh/internal/node"
	"veilmesh/internal/pprofutil"
	"veilmesh/internal/relay"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "veilmesh",
		Short:         "onion relay, room tracker and tunnel proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(newRunCmd(stderr), newKeygenCmd(stdout), newProbeCmd(stdout))
	return root
}

func newRunCmd(stderr io.Writer) *cobra.Command {
	var (
		cfgPath   string
		listen    string
		publicURL string
		debug     bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run a relay node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if debug {
				_ = os.Setenv("VEIL_DEBUG", "1")
			}
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if publicURL != "" {
				cfg.PublicURL = publicURL
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := pprofutil.StartFromEnv(stderr); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			n, err := node.New(ctx, cfg)
			if err != nil {
				return err
			}
			return n.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", os.Getenv("VEIL_CONFIG"), "TOML config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (host:port)")
	cmd.Flags().StringVar(&publicURL, "public-url", "", "advertised ws(s):// URL")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func newKeygenCmd(stdout io.Writer) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen <identity-file>",
		Short: "generate a node identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists (use --force to overwrite)", path)
			}
			id, err := crypto.GenerateIdentity()
			if err != nil {
				return err
			}
			if err := crypto.SaveIdentity(path, id); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "kx_public=%s\n", hex.EncodeToString(id.Kx.Public))
			fmt.Fprintf(stdout, "sign_public=%s\n", hex.EncodeToString(id.Sign.Public))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newProbeCmd(stdout io.Writer) *cobra.Command {
	var (
		extend  []string
		timeout time.Duration
		size    int
	)
	cmd := &cobra.Command{
		Use:   "probe <relay-url>",
		Short: "build a circuit and print each hop's key fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			c, err := relay.DialClient(ctx, args[0], size)
			if err != nil {
				return err
			}
			defer func() { _ = c.Destroy() }()
			if err := c.Handshake(ctx); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "hop 0 %s circuit=%08x key=%s\n", args[0], c.CircuitID(), c.Fingerprint(0))
			for i, addr := range extend {
				if err := c.Extend(ctx, addr); err != nil {
					return fmt.Errorf("extend to %s: %w", addr, err)
				}
				fmt.Fprintf(stdout, "hop %d %s key=%s\n", i+1, addr, c.Fingerprint(i+1))
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&extend, "extend", nil, "further hops to extend through")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout")
	cmd.Flags().IntVar(&size, "packet-size", 512, "fixed packet size")
	return cmd
}
