// ============================================================================
// locsyncd CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree of the locsyncd binary
//
// Command Structure:
//   locsyncd                       # Root command
//   ├── run                        # Start this machine
//   ├── status                     # Query a running machine's admin server
//   │   └── --addr                # Admin base URL (default from config)
//   ├── config show                # Print the effective configuration
//   ├── copy <address> <dest>      # Fetch one blob from a peer
//   │   ├── --port                # Remote copy port (default from config)
//   │   ├── --size                # Expected size, -1 skips the check
//   │   └── --exists              # Only ask whether the peer holds it
//   ├── address encode|decode      # Content address codec
//   ├── blobserver                 # Serve a blob container directory
//   ├── --config, -c               # Config file (default ./configs/locsync.yaml)
//   └── --version
//
// Configuration:
//   YAML file plus LOCSYNC_* environment variables, see internal/config.
//
// Signal Handling:
//   run and blobserver stop gracefully on SIGINT / SIGTERM: loops are
//   joined, the master lease is released and stores are closed.
//
// ============================================================================

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ChuLiYu/locsync/internal/address"
	"github.com/ChuLiYu/locsync/internal/blobserver"
	"github.com/ChuLiYu/locsync/internal/config"
	"github.com/ChuLiYu/locsync/internal/copier"
	"github.com/ChuLiYu/locsync/internal/logging"
	"github.com/ChuLiYu/locsync/internal/node"
	"github.com/ChuLiYu/locsync/pkg/types"
)

// Version is injected at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

const statusTimeout = 5 * time.Second

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "locsyncd",
		Short: "locsyncd: checkpoint-replicated content location coordination",
		Long: `locsyncd keeps a content location database consistent across cache machines:
- one master per epoch, elected through a lease in shared state
- periodic checkpoints to central storage, restored by workers
- optional peer-to-peer propagation of checkpoint files
- a content-addressed copy service between machines`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildConfigCommand())
	rootCmd.AddCommand(buildCopyCommand())
	rootCmd.AddCommand(buildAddressCommand())
	rootCmd.AddCommand(buildBlobServerCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start this machine",
		Long:  "Start the copy service, admin server, lease heartbeat and checkpoint loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMachine(cmd.Context())
		},
	}
}

func runMachine(ctx context.Context) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	svc, err := node.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build machine: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		svc.Stop()
		return fmt.Errorf("failed to start machine: %w", err)
	}
	logger.Info("Machine running", zap.String("config", configFile))

	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping gracefully")
	svc.Stop()
	return nil
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show machine status",
		Long:  "Query the admin server of a running machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				if cfg.Admin.Listen == "" {
					return errors.New("admin server is disabled in the configuration, pass --addr")
				}
				addr = cfg.Admin.Listen
			}
			return showStatus(cmd.Context(), cmd.OutOrStdout(), adminURL(addr))
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "admin address or URL of the machine")
	return cmd
}

// adminURL turns a listen address into a base URL.
func adminURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func showStatus(ctx context.Context, out io.Writer, base string) error {
	ctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", base, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var st node.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║                 locsyncd Machine Status                   ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintf(out, "  ├─ Machine:           %s\n", st.Machine)
	fmt.Fprintf(out, "  ├─ Role:              %s\n", st.Role)
	if !st.Checkpointing {
		fmt.Fprintln(out, "  └─ Checkpointing:     disabled")
		return nil
	}
	fmt.Fprintf(out, "  ├─ Epoch:             %s (%s)\n", st.Epoch, st.Prefix)
	fmt.Fprintf(out, "  ├─ Pointer Sequence:  %d\n", st.PointerSequence)
	fmt.Fprintf(out, "  ├─ Last Created:      %d\n", st.LastCreated)
	fmt.Fprintf(out, "  ├─ Last Applied:      %d\n", st.LastApplied)
	fmt.Fprintf(out, "  ├─ Event Cursor:      %d\n", st.EventCursor)
	fmt.Fprintf(out, "  └─ Location Entries:  %d\n", st.LocationEntries)
	return nil
}

// ============================================================================
// config show
// ============================================================================

func buildConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	return cmd
}

// ============================================================================
// copy
// ============================================================================

func buildCopyCommand() *cobra.Command {
	var (
		port    int
		size    int64
		exists  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "copy <address> [dest]",
		Short: "Copy one blob from a peer machine",
		Long:  `Fetch the blob named by a content address such as \\host\Shared\SHA256\<hex>.blob`,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if port == 0 {
				cfg, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				port = cfg.Copy.Port
			}
			c := copier.New(copier.Config{Port: port, Timeout: timeout}, zap.NewNop())
			out := cmd.OutOrStdout()

			if exists {
				res := c.CheckExists(cmd.Context(), args[0])
				fmt.Fprintln(out, res.Status)
				if res.Err != nil && res.Status == copier.CheckFailed {
					return res.Err
				}
				return nil
			}
			if len(args) < 2 {
				return errors.New("destination path is required")
			}
			res := c.CopyTo(cmd.Context(), args[0], args[1], size)
			if !res.OK() {
				return fmt.Errorf("copy failed (%s): %w", res.Status, res.Err)
			}
			fmt.Fprintf(out, "copied %d bytes to %s\n", res.BytesCopied, args[1])
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "remote copy port (default from config)")
	cmd.Flags().Int64Var(&size, "size", copier.UnknownSize, "expected size in bytes, -1 skips the check")
	cmd.Flags().BoolVar(&exists, "exists", false, "only check whether the peer holds the blob")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "timeout of the copy")
	return cmd
}

// ============================================================================
// address encode | decode
// ============================================================================

func buildAddressCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "address",
		Short: "Encode or decode content addresses",
	}

	var host, hash string
	encode := &cobra.Command{
		Use:   "encode",
		Short: "Render the address of a blob on a host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := types.ParseContentHash(hash)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), address.Encode(address.Address{Host: host, Hash: h}))
			return nil
		},
	}
	encode.Flags().StringVar(&host, "host", "", "machine name")
	encode.Flags().StringVar(&hash, "hash", "", "content hash as TYPE:HEX")
	_ = encode.MarkFlagRequired("host")
	_ = encode.MarkFlagRequired("hash")

	decode := &cobra.Command{
		Use:   "decode <address>",
		Short: "Split an address into host and hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := address.Decode(args[0])
			if err != nil {
				return fmt.Errorf("%w (%s)", err, address.Kind(err))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "host: %s\nhash: %s\n", a.Host, a.Hash)
			return nil
		},
	}

	cmd.AddCommand(encode, decode)
	return cmd
}

// ============================================================================
// blobserver
// ============================================================================

func buildBlobServerCommand() *cobra.Command {
	var root, listen string
	cmd := &cobra.Command{
		Use:   "blobserver",
		Short: "Serve blob containers from a directory",
		Long:  "Run the HTTP blob service used by the blob central storage kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New("info", "console")
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			srv, err := blobserver.New(root, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start(listen) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "directory holding the containers")
	cmd.Flags().StringVar(&listen, "listen", ":10000", "listen address")
	_ = cmd.MarkFlagRequired("root")
	return cmd
}

// Execute runs the CLI and exits non-zero on failure.
func Execute() {
	if err := BuildCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
