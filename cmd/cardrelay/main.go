// cardrelay syncs CardDAV address books with a local contacts database.
//
// Usage:
//
//	cardrelay setup                                  # interactive first-run wizard
//	cardrelay daemon [--config <path>]               # periodic sync of every account
//	cardrelay sync-once [--account A] [--resync all] # one sync run then exit
//	cardrelay status                                 # show config, databases and collections
//	cardrelay discover [--account A] [--choose]      # refresh the address book list
//	cardrelay import --account A --collection ID f.vcf
//	cardrelay accounts rename OLD NEW | delete NAME
//	cardrelay collections enable|disable ID | create --account A NAME
//	cardrelay version                                # print version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/njoerd114/cardrelay/internal/config"
	"github.com/njoerd114/cardrelay/internal/setup"
	syncp "github.com/njoerd114/cardrelay/internal/sync"
	"github.com/njoerd114/cardrelay/internal/telemetry"
	"github.com/njoerd114/cardrelay/internal/worker"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run(args []string) error {
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "setup":
		return runSetup(rest)
	case "daemon":
		return runDaemon(rest)
	case "sync-once":
		return runSyncOnce(rest)
	case "status":
		return runStatus(rest)
	case "discover":
		return runDiscover(rest)
	case "import":
		return runImport(rest)
	case "accounts":
		return runAccounts(rest)
	case "collections":
		return runCollections(rest)
	case "version":
		fmt.Println("cardrelay", version)
		return nil
	case "help", "-h", "--help":
		printUsage()
		return nil
	}
	return fmt.Errorf("unknown command %q, run 'cardrelay help' for usage", cmd)
}

// printUsage shows help and suggests setup if no config exists.
func printUsage() {
	cfgPath, _ := config.DefaultPath()
	_, cfgErr := os.Stat(cfgPath)

	fmt.Fprintln(os.Stderr, "cardrelay: sync CardDAV address books")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  cardrelay setup                        Interactive first-run wizard")
	fmt.Fprintln(os.Stderr, "  cardrelay daemon                       Sync every account periodically")
	fmt.Fprintln(os.Stderr, "  cardrelay sync-once [--account A]      Single sync run then exit")
	fmt.Fprintln(os.Stderr, "  cardrelay status                       Show config, databases and collections")
	fmt.Fprintln(os.Stderr, "  cardrelay discover [--choose]          Refresh the address book list")
	fmt.Fprintln(os.Stderr, "  cardrelay import --account A --collection ID FILE...")
	fmt.Fprintln(os.Stderr, "                                         Add contacts from vCard files and upload them")
	fmt.Fprintln(os.Stderr, "  cardrelay accounts rename OLD NEW      Rename an account")
	fmt.Fprintln(os.Stderr, "  cardrelay accounts delete NAME         Remove an account and its local data")
	fmt.Fprintln(os.Stderr, "  cardrelay collections enable|disable ID")
	fmt.Fprintln(os.Stderr, "  cardrelay collections create --account A NAME")
	fmt.Fprintln(os.Stderr, "  cardrelay version                      Print version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Every command accepts --config <path> and --verbose.")

	if cfgErr != nil {
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "No config file found. Run 'cardrelay setup' to get started.")
	}
}

// --- Shared setup ------------------------------------------------------------

// commonFlags registers --config and --verbose on fs.
type commonFlags struct {
	cfgPath string
	verbose bool
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	cf := &commonFlags{}
	defaultCfg, _ := config.DefaultPath()
	fs.StringVar(&cf.cfgPath, "config", defaultCfg, "path to config.yaml")
	fs.BoolVar(&cf.verbose, "verbose", false, "enable debug logging")
	return fs, cf
}

// session is the loaded configuration with its logger, telemetry and app.
type session struct {
	*app
	ctx      context.Context
	shutdown func()
}

// start loads the config, sets up logging and telemetry, and opens the
// databases. The caller must defer s.shutdown().
func start(cf *commonFlags) (*session, error) {
	cfg, err := config.Load(cf.cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", cf.cfgPath, err)
	}

	// Telemetry first so the log bridge sees the real provider.
	shutdownTel := telemetry.ShutdownFunc(func(context.Context) error { return nil })
	var telErr error
	if cfg.Telemetry != nil {
		shutdownTel, telErr = telemetry.Setup(context.Background(), telemetry.Config{
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: version,
			Headers:        cfg.Telemetry.Headers,
		})
	}

	logger, closeLog := newLogger(cfg, cf.verbose)
	slog.SetDefault(logger)
	switch {
	case telErr != nil:
		logger.Error("telemetry setup failed, continuing without telemetry", "error", telErr)
	case cfg.Telemetry != nil:
		logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
	}
	logger.Debug("config loaded", "path", cf.cfgPath, "accounts", len(cfg.Accounts), "poll_interval", cfg.PollInterval)

	a, err := openApp(cfg, cf.cfgPath, logger)
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	return &session{
		app: a,
		ctx: ctx,
		shutdown: func() {
			stop()
			if err := a.Close(); err != nil {
				logger.Error("closing databases", "error", err)
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTel(flushCtx); err != nil {
				logger.Error("telemetry shutdown error", "error", err)
			}
			_ = closeLog()
		},
	}, nil
}

// --- Subcommands -------------------------------------------------------------

// runSetup launches the interactive setup wizard.
func runSetup(args []string) error {
	fs, cf := newFlagSet("setup")
	if err := fs.Parse(args); err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	return setup.NewWizard(os.Stdin, os.Stdout, cf.cfgPath, logger).Run(ctx)
}

// runDaemon syncs every account once and then every poll interval.
func runDaemon(args []string) error {
	fs, cf := newFlagSet("daemon")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := start(cf)
	if err != nil {
		return err
	}
	defer s.shutdown()

	m := s.newWorker(s.ctx)
	s.log.Info("daemon starting", "accounts", len(s.cfg.Accounts), "poll_interval", s.cfg.PollInterval)
	if err := m.RunPeriodic(s.ctx, s.cfg.AccountNames, s.cfg.PollInterval); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("sync scheduler: %w", err)
	}
	s.log.Info("shutdown complete")
	return nil
}

// runSyncOnce runs one manual sync of the selected accounts and waits for it.
func runSyncOnce(args []string) error {
	fs, cf := newFlagSet("sync-once")
	account := fs.String("account", "", "sync only this account")
	resync := fs.String("resync", "", `discard sync state first: "entries" or "all"`)
	timeout := fs.Duration("timeout", 30*time.Minute, "give up waiting after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}

	flags := worker.Flags{Manual: true}
	switch *resync {
	case "":
	case "entries":
		flags.ResyncEntries = true
	case "all":
		flags.ResyncAll = true
	default:
		return fmt.Errorf("--resync must be \"entries\" or \"all\", got %q", *resync)
	}

	s, err := start(cf)
	if err != nil {
		return err
	}
	defer s.shutdown()

	accounts := s.cfg.AccountNames()
	if *account != "" {
		if _, err := s.account(*account); err != nil {
			return err
		}
		accounts = []string{*account}
	}

	m := s.newWorker(s.ctx)
	tickets := make(map[string]worker.Ticket, len(accounts))
	for _, name := range accounts {
		tickets[name] = m.Enqueue(worker.Request{Key: worker.Key{Account: name, DataType: worker.DataTypeContacts}, Flags: flags})
	}

	var failed []error
	deadline := time.After(*timeout)
	for _, name := range accounts {
		t := tickets[name]
		select {
		case <-t.Done():
		case <-deadline:
			return fmt.Errorf("sync of %s: %w", name, worker.ErrWaitTimeout)
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
		c := t.Completion()
		printCompletion(name, c)
		if err := c.Err(); err != nil {
			failed = append(failed, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(failed...)
}

func printCompletion(account string, c worker.Completion) {
	st := c.Result.Stats
	fmt.Printf("%s: %s (uploaded %d, downloaded %d, deleted %d/%d local/remote, conflicts %d, invalid %d)\n",
		account, c.Outcome, st.Uploaded, st.Added+st.Updated,
		st.LocallyDeleted, st.RemoteDeleted, st.Conflicts, st.Invalid)
	switch {
	case c.Result.AuthFailed():
		fmt.Printf("  ✗ credentials rejected, check username and password for %s\n", account)
	case c.Result.TooManyRetries:
		fmt.Printf("  ✗ gave up after %d attempts\n", c.Attempts)
	case c.Outcome == syncp.OutcomeDeferred:
		fmt.Printf("  server busy, retry after %s\n", c.Result.DelayUntil.Format(time.RFC3339))
	}
}

// runStatus prints the configuration, databases and collections.
func runStatus(args []string) error {
	fs, cf := newFlagSet("status")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("cardrelay status")
	fmt.Println("────────────────")

	if _, err := os.Stat(cf.cfgPath); err != nil {
		fmt.Printf("  Config:    not found (%s)\n", cf.cfgPath)
		return nil
	}
	s, err := start(cf)
	if err != nil {
		fmt.Printf("  Config:    %s (invalid: %v)\n", cf.cfgPath, err)
		return nil
	}
	defer s.shutdown()

	fmt.Printf("  Config:    %s ✓\n", cf.cfgPath)
	fmt.Printf("  Poll:      %s\n", s.cfg.PollInterval)
	printDBSize("State DB", s.cfg.StateDB, defaultStatePath)
	printDBSize("Contacts", s.cfg.ContactsDB, defaultContactsPath)
	fmt.Println()

	return printCollections(s.ctx, s.app)
}

// runDiscover refreshes the address book list of the selected accounts.
func runDiscover(args []string) error {
	fs, cf := newFlagSet("discover")
	account := fs.String("account", "", "discover only this account")
	choose := fs.Bool("choose", false, "pick the address books to sync interactively")
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := start(cf)
	if err != nil {
		return err
	}
	defer s.shutdown()

	accounts := s.cfg.AccountNames()
	if *account != "" {
		accounts = []string{*account}
	}
	for _, name := range accounts {
		if err := discoverAccount(s.ctx, s.app, name, *choose); err != nil {
			return err
		}
	}
	return printCollections(s.ctx, s.app)
}

// runImport adds the contacts of vCard files to a local address book and
// uploads them.
func runImport(args []string) error {
	fs, cf := newFlagSet("import")
	account := fs.String("account", "", "account owning the address book (required)")
	collection := fs.Int64("collection", 0, "collection ID from 'cardrelay status' (required)")
	timeout := fs.Duration("timeout", 10*time.Minute, "give up waiting for the upload after this long")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *account == "" || *collection == 0 || fs.NArg() == 0 {
		return errors.New("usage: cardrelay import --account A --collection ID FILE...")
	}
	s, err := start(cf)
	if err != nil {
		return err
	}
	defer s.shutdown()

	n, err := importFiles(s.ctx, s.app, *account, *collection, fs.Args())
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d contact(s), uploading…\n", n)

	m := s.newWorker(s.ctx)
	c, err := m.EnqueueAndWait(s.ctx, worker.Request{
		Key:   worker.Key{Account: *account, DataType: worker.DataTypeContacts},
		Flags: worker.Flags{Manual: true, UploadTriggered: true},
	}, *timeout)
	if err != nil {
		return err
	}
	printCompletion(*account, c)
	return c.Err()
}

// runAccounts handles "accounts rename" and "accounts delete".
func runAccounts(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: cardrelay accounts rename OLD NEW | delete NAME")
	}
	sub := args[0]
	fs, cf := newFlagSet("accounts " + sub)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	switch sub {
	case "rename":
		if fs.NArg() != 2 {
			return errors.New("usage: cardrelay accounts rename OLD NEW")
		}
		s, err := start(cf)
		if err != nil {
			return err
		}
		defer s.shutdown()
		if err := s.renameAccount(s.ctx, fs.Arg(0), fs.Arg(1)); err != nil {
			return fmt.Errorf("renaming account: %w", err)
		}
		fmt.Printf("✓ Renamed %s to %s\n", fs.Arg(0), fs.Arg(1))
		return nil

	case "delete":
		if fs.NArg() != 1 {
			return errors.New("usage: cardrelay accounts delete NAME")
		}
		s, err := start(cf)
		if err != nil {
			return err
		}
		defer s.shutdown()
		updated, err := s.deleteAccount(s.ctx, fs.Arg(0))
		if err != nil {
			return fmt.Errorf("deleting account: %w", err)
		}
		fmt.Printf("✓ Removed local data of %s\n", fs.Arg(0))
		if !updated {
			fmt.Println("  It is the only account in the config file; edit or rerun 'cardrelay setup' to replace it.")
		}
		return nil
	}
	return fmt.Errorf("unknown accounts command %q", sub)
}

// runCollections handles "collections enable|disable|create".
func runCollections(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: cardrelay collections enable|disable ID | create --account A NAME")
	}
	sub := args[0]
	fs, cf := newFlagSet("collections " + sub)
	account := fs.String("account", "", "account to create the address book in")
	title := fs.String("title", "", "display name of the new address book")
	description := fs.String("description", "", "description of the new address book")
	readOnly := fs.Bool("read-only", false, "with enable: never upload local changes")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	s, err := start(cf)
	if err != nil {
		return err
	}
	defer s.shutdown()

	switch sub {
	case "enable", "disable":
		if fs.NArg() != 1 {
			return fmt.Errorf("usage: cardrelay collections %s ID", sub)
		}
		return setCollectionSync(s.ctx, s.app, fs.Arg(0), sub == "enable", *readOnly)
	case "create":
		if *account == "" || fs.NArg() != 1 {
			return errors.New("usage: cardrelay collections create --account A [--title T] NAME")
		}
		acc, err := s.account(*account)
		if err != nil {
			return err
		}
		d, err := s.discoverer(acc, nil, os.Stdout)
		if err != nil {
			return err
		}
		t := *title
		if t == "" {
			t = fs.Arg(0)
		}
		c, err := d.CreateAddressBook(s.ctx, fs.Arg(0), t, *description)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Created %s (collection %d, sync enabled)\n", c.URL, c.ID)
		return nil
	}
	return fmt.Errorf("unknown collections command %q", sub)
}
