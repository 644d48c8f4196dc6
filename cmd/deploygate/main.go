package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"deploygate/internal/app"
	"deploygate/internal/config"
	"deploygate/internal/encryption"
	"deploygate/internal/gate"
	"deploygate/internal/mcptools"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// passphraseEnv supplies key file passphrases to non-interactive runs.
const passphraseEnv = "DEPLOYGATE_KEY_PASSPHRASE"

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

// printError writes "kind: message" for classified gate errors and the
// plain error otherwise.
func printError(err error) {
	if kind := gate.KindOf(err); kind != gate.KindInternal {
		fmt.Fprintf(os.Stderr, "%s: %s\n", kind, err)
		return
	}
	fmt.Fprintf(os.Stderr, "error: %s\n", err)
}

func readConfig() (*config.Config, error) {
	defaults, err := app.ResolveDefaults()
	if err != nil {
		return nil, fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(defaults.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return cfg, nil
}

// newApp reads the config and creates an App. The caller must defer a.Close().
func newApp() (*app.App, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	return a, nil
}

// readPassphrase returns the passphrase from the environment or, on a
// terminal, from a prompt. confirm asks twice.
func readPassphrase(prompt string, confirm bool) (string, error) {
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal for passphrase prompt; set %s", passphraseEnv)
	}

	fmt.Fprint(os.Stderr, prompt)
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if !confirm {
		return string(first), nil
	}

	fmt.Fprint(os.Stderr, "Confirm passphrase: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if string(first) != string(second) {
		return "", errors.New("passphrases do not match")
	}
	return string(first), nil
}

// loadKey reads a private key file, prompting for a passphrase only when the
// file is sealed.
func loadKey(path string) (string, error) {
	return encryption.ReadPrivateKey(path, func() (string, error) {
		return readPassphrase(fmt.Sprintf("Passphrase for %s: ", path), false)
	})
}

var rootCmd = &cobra.Command{
	Use:           "deploygate",
	Short:         "Authenticated, coverage-gated deployments for agent-managed files",
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
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
		workspace, _ := cmd.Flags().GetString("workspace")

		defaults, err := app.ResolveDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		if workspace == "" {
			workspace = defaults.WorkspaceRoot
		}
		workspace, err = filepath.Abs(workspace)
		if err != nil {
			return fmt.Errorf("resolving workspace: %w", err)
		}

		cfg := config.NewConfig(defaults.BaseDir, workspace)
		if err := config.Init(defaults.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", defaults.ConfigPath)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Workspace: %s\n", cfg.WorkspaceRoot)
		fmt.Println("Add [[agents]] entries before staging deployments.")
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		defaults, err := app.ResolveDefaults()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}
		cfg, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", defaults.ConfigPath)
		fmt.Printf("Base Dir:    %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:     %s\n", cfg.LogDir)
		fmt.Printf("Workspace:   %s\n", cfg.WorkspaceRoot)
		fmt.Printf("Keys:        %s\n", cfg.Keys.Type)
		fmt.Printf("History:     %s\n", cfg.History.Type)
		fmt.Printf("Audit:       %s\n", cfg.Audit.Type)
		fmt.Printf("Session TTL: %s\n", cfg.Session.TTL)
		for _, v := range cfg.Vaults {
			fmt.Printf("Vault:       %s (%s)\n", v.Name, v.Type)
		}
		for _, a := range cfg.Agents {
			fmt.Printf("Agent:       %s  %s  %s\n", a.ID, a.Name, a.File)
		}
		return nil
	},
}

var configVaultCmd = &cobra.Command{
	Use:   "vault",
	Short: "Manage vaults",
}

var configVaultCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify every configured vault is accessible",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.CheckVaults(cmd.Context()); err != nil {
			return err
		}
		fmt.Printf("%d vault(s) OK\n", len(a.Config().Vaults))
		return nil
	},
}

// keys command
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage authorized keys",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate OWNER",
	Short: "Generate and authorize a client keypair",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		encrypt, _ := cmd.Flags().GetBool("encrypt")
		if encrypt && out == "" {
			return errors.New("--encrypt requires --out")
		}

		var passphrase string
		if encrypt {
			var err error
			passphrase, err = readPassphrase("Passphrase for new key: ", true)
			if err != nil {
				return err
			}
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		privatePEM, entry, err := a.GenerateKey(args[0])
		if err != nil {
			return err
		}

		if out == "" {
			fmt.Fprintln(os.Stderr, "Private key follows. It is not stored; keep it secret.")
			fmt.Print(privatePEM)
		} else if err := encryption.WritePrivateKey(out, privatePEM, passphrase); err != nil {
			return err
		} else {
			fmt.Printf("Private key written to %s\n", out)
		}
		fmt.Printf("Authorized %s\nFingerprint: %s\n", entry.Name, entry.Fingerprint)
		return nil
	},
}

var keysAddCmd = &cobra.Command{
	Use:   "add OWNER PUBLIC_KEY_FILE",
	Short: "Authorize an existing public key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("reading public key: %w", err)
		}

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := a.AuthorizeKey(args[0], string(data))
		if err != nil {
			return err
		}
		fmt.Printf("Authorized %s\nFingerprint: %s\n", entry.Name, entry.Fingerprint)
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List authorized keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		entries := a.AuthorizedKeys()
		if len(entries) == 0 {
			fmt.Println("No authorized keys.")
			return nil
		}
		for _, e := range entries {
			lastUsed := "never"
			if e.LastUsed != nil {
				lastUsed = e.LastUsed.Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%s  %-16s  added:%s  last used:%s  deployments:%d\n",
				e.Fingerprint,
				e.Name,
				e.AddedAt.Format("2006-01-02 15:04:05"),
				lastUsed,
				e.DeploymentCount,
			)
		}
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke FINGERPRINT",
	Short: "Revoke an authorized key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		found, err := a.RevokeFingerprint(args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("no authorized key with fingerprint %s", args[0])
		}
		fmt.Printf("Revoked %s\n", args[0])
		return nil
	},
}

var keysServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Create the server keypair if it does not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		generated, err := a.EnsureServerKeys()
		if err != nil {
			return err
		}
		if generated {
			fmt.Printf("Server keypair written to %s\n", a.Config().Keys.ServerKeyPath)
		} else {
			fmt.Println("Server keypair already present.")
		}
		return nil
	},
}

// deploy command
var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Stage, execute, and roll back deployments",
}

// login authenticates with the key file named by the --key flag.
func login(ctx context.Context, cmd *cobra.Command, a *app.App) (gate.Session, error) {
	keyPath, _ := cmd.Flags().GetString("key")
	if keyPath == "" {
		return gate.Session{}, errors.New("--key is required")
	}
	privatePEM, err := loadKey(keyPath)
	if err != nil {
		return gate.Session{}, err
	}
	return a.Authenticate(ctx, privatePEM)
}

func printRecord(rec gate.DeploymentRecord) {
	fmt.Printf("Deployment: %s\n", rec.DeploymentID)
	fmt.Printf("Agent:      %s (%s)\n", rec.AgentName, rec.AgentID)
	fmt.Printf("File:       %s\n", rec.ManagedFile)
	fmt.Printf("Status:     %s\n", rec.Status)
	fmt.Printf("Coverage:   %.1f%%\n", rec.CoveragePercent)
	if rec.CommitHash != "" {
		fmt.Printf("Commit:     %s\n", rec.CommitHash)
	}
	if !rec.HasChanges {
		fmt.Println("No uncommitted changes.")
	}
}

var deployRunCmd = &cobra.Command{
	Use:   "run AGENT_ID",
	Short: "Stage an agent's managed file and optionally deploy it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		execute, _ := cmd.Flags().GetBool("execute")
		showDiff, _ := cmd.Flags().GetBool("diff")
		ctx := cmd.Context()

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		session, err := login(ctx, cmd, a)
		if err != nil {
			return err
		}
		defer a.Logout(session.Token)

		rec, err := a.Stage(ctx, args[0], session.Token)
		if err != nil {
			return err
		}
		printRecord(rec)
		if showDiff && rec.Diff != "" {
			fmt.Println()
			fmt.Print(rec.Diff)
		}
		if rec.Status == gate.StatusFailedCoverage {
			fmt.Println()
			fmt.Println(rec.CoverageReport)
		}
		if !execute {
			return nil
		}

		msg, err := a.Execute(ctx, rec.DeploymentID, session.Token)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

var deployRollbackCmd = &cobra.Command{
	Use:   "rollback DEPLOYMENT_ID",
	Short: "Revert a deployed change",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		session, err := login(ctx, cmd, a)
		if err != nil {
			return err
		}
		defer a.Logout(session.Token)

		msg, err := a.Rollback(ctx, args[0], session.Token)
		if err != nil {
			return err
		}
		fmt.Println(msg)
		return nil
	},
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "View deployment and security status",
	RunE: func(cmd *cobra.Command, args []string) error {
		recent, _ := cmd.Flags().GetInt("recent")
		id, _ := cmd.Flags().GetString("deployment")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if id != "" {
			rec, err := a.Deployment(id)
			if err != nil {
				return err
			}
			printRecord(rec)
			return nil
		}

		summary, err := a.Status(cmd.Context(), recent)
		if err != nil {
			return err
		}
		sec := a.SecurityStatus()

		fmt.Printf("Repository:      %v\n", summary.IsRepository)
		fmt.Printf("Pending:         %d\n", summary.PendingDeployments)
		fmt.Printf("Total deployed:  %d\n", summary.TotalDeployments)
		for _, s := range []gate.DeploymentStatus{gate.StatusDeployed, gate.StatusRolledBack} {
			fmt.Printf("  %-14s %d\n", s, summary.ByStatus[s])
		}
		fmt.Printf("Server keys:     %v\n", sec.ServerKeysPresent)
		fmt.Printf("Authorized keys: %d\n", sec.AuthorizedKeys)
		fmt.Printf("Audit (24h):     %d\n", sec.RecentAuditEntries)

		if len(summary.Recent) > 0 {
			fmt.Println()
		}
		for _, r := range summary.Recent {
			fmt.Printf("%s  %-12s  %-8s  %s  %s\n",
				r.StagedAt.Format("2006-01-02 15:04:05"),
				r.Status,
				r.AgentID,
				r.ManagedFile,
				r.DeploymentID,
			)
		}
		return nil
	},
}

// serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the gate as MCP tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		transport := a.Config().Server.Transport
		if cmd.Flags().Changed("transport") {
			transport, _ = cmd.Flags().GetString("transport")
		}
		listen := a.Config().Server.Listen
		if cmd.Flags().Changed("listen") {
			listen, _ = cmd.Flags().GetString("listen")
		}

		if _, err := a.EnsureServerKeys(); err != nil {
			return err
		}

		s := mcptools.NewServer(a, version, a.Logger())
		switch strings.ToLower(transport) {
		case "", "stdio":
			a.Logger().Info("serving MCP over stdio", "run", a.RunID())
			return mcptools.ServeStdio(s)
		case "http":
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return mcptools.ListenAndServe(ctx, listen, mcptools.NewHTTPHandler(s, a.Logger()), a.Logger())
		default:
			return fmt.Errorf("unknown transport: %s", transport)
		}
	},
}

// state command
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Snapshot state files to the configured vaults",
}

var stateBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload the key registry, history, and audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		names, err := a.Backup(cmd.Context())
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Printf("Uploaded %d snapshot(s)\n", len(names))
		return nil
	},
}

var stateRestoreCmd = &cobra.Command{
	Use:   "restore NAME",
	Short: "Download a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dest, _ := cmd.Flags().GetString("dest")

		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if dest == "" {
			dest = filepath.Join(a.Config().BaseDir, "restore", args[0])
		}
		snapVersion, err := a.Restore(cmd.Context(), args[0], dest)
		if err != nil {
			return err
		}
		fmt.Printf("Restored %s (version %d) to %s\n", args[0], snapVersion, dest)
		return nil
	},
}

// db command
var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the history database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending history schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfig()
		if err != nil {
			return err
		}
		if err := app.MigrateHistory(cfg.History); err != nil {
			return err
		}
		fmt.Println("History schema is up to date.")
		return nil
	},
}

func init() {
	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configInitCmd.Flags().StringP("workspace", "w", "", "Workspace root (default: $DEPLOYGATE_WORKSPACE or current directory)")
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configVaultCmd)
	configVaultCmd.AddCommand(configVaultCheckCmd)

	// keys subcommands
	keysCmd.AddCommand(keysGenerateCmd)
	keysGenerateCmd.Flags().StringP("out", "o", "", "Write the private key to this file instead of stdout")
	keysGenerateCmd.Flags().Bool("encrypt", false, "Seal the private key file with a passphrase")
	keysCmd.AddCommand(keysAddCmd)
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysRevokeCmd)
	keysCmd.AddCommand(keysServerCmd)

	// deploy subcommands
	deployCmd.PersistentFlags().StringP("key", "k", "", "Private key file used to authenticate")
	deployCmd.AddCommand(deployRunCmd)
	deployRunCmd.Flags().BoolP("execute", "x", false, "Commit and push when coverage passes")
	deployRunCmd.Flags().Bool("diff", false, "Print the staged diff")
	deployCmd.AddCommand(deployRollbackCmd)

	// state subcommands
	stateCmd.AddCommand(stateBackupCmd)
	stateCmd.AddCommand(stateRestoreCmd)
	stateRestoreCmd.Flags().String("dest", "", "Destination path (default: <base_dir>/restore/NAME)")

	dbCmd.AddCommand(dbMigrateCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().IntP("recent", "n", 10, "Number of recent deployments to show")
	statusCmd.Flags().String("deployment", "", "Show a single deployment")
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("transport", "stdio", "MCP transport: stdio or http")
	serveCmd.Flags().String("listen", "", "Listen address for the http transport")
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(dbCmd)
}
