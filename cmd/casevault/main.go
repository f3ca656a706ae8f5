package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/keelworks/casevault/internal/domain"
	"github.com/keelworks/casevault/internal/vaultcfg"
	"github.com/keelworks/casevault/pkg/vault"
)

const longHelp = `
casevault inspects and maintains the snapshot store of a casevault-enabled
application: list and load recovery candidates, prune the versioned history,
replay deferred mirror replication, or run as a daemon protecting a JSON
document edited by another program.

Configuration is merged from defaults, the TOML config file
(~/.casevault/config.toml), CASEVAULT_* environment variables, and flags, in
increasing precedence.
`

var exampleUsage = strings.TrimSpace(`
  casevault run case42.json --base-root /var/lib/myapp --mirror-root /mnt/usb
  casevault backups --base-root /var/lib/myapp
  casevault recover --base-root /var/lib/myapp > restored.json
  casevault prune --base-root /var/lib/myapp --temp-max-per-case 10
  casevault replay --base-root /var/lib/myapp --mirror-root /mnt/usb
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	cfg := vaultcfg.DefaultConfig()
	var cfgPath string

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	loadConfig := func(cmd *cobra.Command) error {
		cfgFile := cfgPath
		if cfgFile == "" {
			cfgFile = vaultcfg.DefaultConfigPath()
		}
		changed := map[string]bool{}
		cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

		if cfgFile != "" && vaultcfg.FileExists(cfgFile) {
			fc, err := vaultcfg.LoadFileConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := vaultcfg.ApplyFileConfig(&cfg, fc, changed); err != nil {
				return err
			}
		}
		if err := vaultcfg.ApplyEnvConfig(&cfg, changed); err != nil {
			return err
		}
		return cfg.Validate()
	}

	openVault := func() (*vault.Vault, error) {
		return vault.New(cfg, vault.WithLogger(log))
	}

	root := &cobra.Command{
		Use:           "casevault",
		Short:         "Inspect and maintain a casevault snapshot store",
		Long:          strings.TrimSpace(longHelp),
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgPath, "config", "", "path to TOML config file")
	pf.StringVar(&cfg.BaseRoot, "base-root", cfg.BaseRoot, "primary storage directory")
	pf.StringVar(&cfg.AutosaveRoot, "autosave-root", cfg.AutosaveRoot, "rotating slot root (default {base-root}/autosave)")
	pf.StringVar(&cfg.MirrorRoot, "mirror-root", cfg.MirrorRoot, "secondary/mirror root (empty disables mirroring)")
	pf.StringVar(&cfg.CanonicalName, "canonical-name", cfg.CanonicalName, "canonical autosave filename")
	pf.IntVar(&cfg.TempMaxAgeDays, "temp-max-age-days", cfg.TempMaxAgeDays, "prune versioned snapshots older than this many days")
	pf.IntVar(&cfg.TempMaxPerCase, "temp-max-per-case", cfg.TempMaxPerCase, "retained versioned snapshots per case")
	pf.IntVar(&cfg.SchemaVersion, "schema-version", cfg.SchemaVersion, "payload schema version accepted on load")

	backups := &cobra.Command{
		Use:   "backups",
		Short: "List recovery candidates, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			v, err := openVault()
			if err != nil {
				return err
			}
			defer v.Close()
			for _, c := range v.ListBackups() {
				fmt.Fprintf(os.Stdout, "%s\t%s\t%s\n", c.ModifiedAt.Format(time.RFC3339), c.Kind, c.Path)
			}
			return nil
		},
	}

	var recoverOut string
	recoverCmd := &cobra.Command{
		Use:   "recover [path]",
		Short: "Load the newest valid snapshot (or a specific file) and print it as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			v, err := openVault()
			if err != nil {
				return err
			}
			defer v.Close()

			var payload vault.Payload
			var from string
			if len(args) == 1 {
				payload, err = v.LoadSpecific(args[0])
				from = args[0]
			} else {
				payload, from, err = v.Recover()
			}
			if err != nil {
				return err
			}
			log.Info().Str("path", from).Msg("snapshot recovered")

			out, err := json.MarshalIndent(payload, "", "  ")
			if err != nil {
				return err
			}
			if recoverOut != "" {
				return os.WriteFile(recoverOut, append(out, '\n'), 0o600)
			}
			fmt.Fprintln(os.Stdout, string(out))
			return nil
		},
	}
	recoverCmd.Flags().StringVarP(&recoverOut, "out", "o", "", "write the recovered payload to a file instead of stdout")

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Run a retention pass for every discovered case",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			v, err := openVault()
			if err != nil {
				return err
			}
			defer v.Close()
			return v.PruneNow()
		},
	}

	replay := &cobra.Command{
		Use:   "replay",
		Short: "Replay the pending-consolidation ledger against the mirror root",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			if cfg.MirrorRoot == "" {
				return fmt.Errorf("replay requires --mirror-root")
			}
			v, err := openVault()
			if err != nil {
				return err
			}
			defer v.Close()
			remaining, err := v.ReplayPending()
			if err != nil {
				return err
			}
			if len(remaining) == 0 {
				log.Info().Msg("ledger empty, all consolidations satisfied")
				return nil
			}
			for _, e := range remaining {
				log.Warn().Str("case", e.CaseID).Strs("artifacts", e.Artifacts).Msg("still pending")
			}
			return nil
		},
	}

	pending := &cobra.Command{
		Use:   "pending",
		Short: "List outstanding ledger entries without replaying",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			v, err := openVault()
			if err != nil {
				return err
			}
			defer v.Close()
			entries, err := v.PendingEntries()
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintf(os.Stdout, "%s\t%s\t%s\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.CaseID, e.SourceDir, strings.Join(e.Artifacts, ","))
			}
			return nil
		},
	}

	var runCase string
	runCmd := &cobra.Command{
		Use:   "run <document.json>",
		Short: "Watch a JSON document and autosave it through the vault until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			docPath := args[0]
			if runCase == "" {
				runCase = strings.TrimSuffix(filepath.Base(docPath), filepath.Ext(docPath))
			}

			var mu sync.Mutex
			var content map[string]any
			readDoc := func() error {
				raw, err := os.ReadFile(docPath)
				if err != nil {
					return err
				}
				var m map[string]any
				if err := json.Unmarshal(raw, &m); err != nil {
					return err
				}
				mu.Lock()
				content = m
				mu.Unlock()
				return nil
			}
			if err := readDoc(); err != nil {
				return fmt.Errorf("read document: %w", err)
			}

			v, err := vault.New(cfg,
				vault.WithLogger(log),
				vault.WithDatasetSource(func() vault.Dataset {
					mu.Lock()
					defer mu.Unlock()
					return vault.Dataset{CaseID: runCase, Content: content}
				}),
			)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := v.Start(ctx); err != nil {
				return err
			}
			defer v.Close()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("create watcher: %w", err)
			}
			defer watcher.Close()
			if err := watcher.Add(filepath.Dir(docPath)); err != nil {
				return fmt.Errorf("watch %s: %w", filepath.Dir(docPath), err)
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			log.Info().Str("document", docPath).Str("case", runCase).Msg("watching document")
			for {
				select {
				case <-sigCh:
					log.Info().Msg("received signal, stopping...")
					return nil

				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if filepath.Base(event.Name) != filepath.Base(docPath) {
						continue
					}
					if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
						continue
					}
					if err := readDoc(); err != nil {
						// A torn mid-save read; the next event carries the
						// complete document.
						log.Warn().Err(err).Msg("document unreadable, keeping last good copy")
						continue
					}
					v.RequestAutosave()

				case werr, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.Error().Err(werr).Msg("watcher error")
				}
			}
		},
	}
	runCmd.Flags().StringVar(&runCase, "case", "", "case identifier for the document (default: filename stem)")

	root.AddCommand(runCmd, backups, recoverCmd, prune, replay, pending)

	if err := root.Execute(); err != nil {
		if errors.Is(err, domain.ErrNoRecoverableSnapshot) {
			log.Error().Msg("no recovery candidate passed validation")
		} else {
			log.Error().Err(err).Msg("command failed")
		}
		os.Exit(1)
	}
}
