package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"burstflare/internal/app"
	"burstflare/internal/config"
	"burstflare/internal/objects"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads .env files and then the config file named by the defaults.
func loadConfig() (*config.Config, error) {
	defaults, err := app.GetDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}
	if err := app.LoadEnvFiles(".env", filepath.Join(defaults.BaseDir, ".env")); err != nil {
		return nil, err
	}
	// .env may have moved the config path.
	if defaults, err = app.GetDefaults(); err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
func newApp(ctx context.Context, component string) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, component)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var rootCmd = &cobra.Command{
	Use:          "burstflare",
	Short:        "Development session orchestration",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.GetDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		cfg := config.NewConfig(defaults.BaseDir)
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Base Dir: %s\n", defaults.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		fmt.Printf("Listen:     %s\n", cfg.Server.Addr)
		fmt.Printf("Store:      %s %s\n", cfg.Store.Type, cfg.Store.Path)
		fmt.Printf("Objects:    %s\n", cfg.Objects.Type)
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		fmt.Printf("Dispatch:   %s\n", cfg.Dispatch.Type)
		fmt.Printf("Runtime:    %s\n", cfg.Runtime.Type)
		fmt.Printf("Reconcile:  every %s\n", cfg.Scheduler.Interval)
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage object encryption keys",
}

var keysInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate the age key pair used to seal stored objects",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		enc := cfg.Encryption
		if err := objects.GenerateKeys(enc.PublicKeyPath, enc.PrivateKeyPath); err != nil {
			return fmt.Errorf("generating keys: %w", err)
		}
		fmt.Printf("Public key:  %s\n", enc.PublicKeyPath)
		fmt.Printf("Private key: %s\n", enc.PrivateKeyPath)
		if enc.Type != "age" {
			fmt.Println("Set encryption.type = \"age\" to start sealing objects.")
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server, reconcile scheduler and dispatch workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, "serve")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Serve(ctx)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run dispatch workers only",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, "worker")
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Worker(ctx)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconcile sweep across all workspaces",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, "reconcile")
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.Reconcile(ctx)
		if err != nil {
			return fmt.Errorf("reconciling: %w", err)
		}
		fmt.Printf("Slept sessions:   %d\n", r.SleptSessions)
		fmt.Printf("Recovered builds: %d\n", r.RecoveredBuilds)
		fmt.Printf("Processed builds: %d\n", r.ProcessedBuilds)
		fmt.Printf("Purged sessions:  %d\n", r.PurgedSessions)
		fmt.Printf("Purged snapshots: %d\n", r.PurgedSnapshots)
		return nil
	},
}

var sshCmd = &cobra.Command{
	Use:   "ssh <session-id>",
	Short: "Attach to a running session over the runtime tunnel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		opts := attachOptions{SessionID: args[0]}
		opts.Server, _ = cmd.Flags().GetString("server")
		opts.Token, _ = cmd.Flags().GetString("token")
		if terminal, _ := cmd.Flags().GetBool("terminal"); terminal {
			opts.Kind = "terminal"
		} else {
			opts.Kind = "ssh"
		}
		if opts.Token == "" {
			opts.Token = os.Getenv("BURSTFLARE_TOKEN")
		}
		if opts.Token == "" {
			return fmt.Errorf("an access token is required: pass --token or set BURSTFLARE_TOKEN")
		}

		restore, err := makeRaw(os.Stdin)
		if err != nil {
			return err
		}
		defer restore()

		return attach(ctx, opts, os.Stdin, os.Stdout)
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	keysCmd.AddCommand(keysInitCmd)

	sshCmd.Flags().String("server", "http://localhost:8787", "BurstFlare API base URL")
	sshCmd.Flags().String("token", "", "Access token (default $BURSTFLARE_TOKEN)")
	sshCmd.Flags().BoolP("terminal", "t", false, "Use the browser terminal instead of the SSH upstream")

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(sshCmd)
}
