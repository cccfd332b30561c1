package setup

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/njoerd114/cardrelay/internal/config"
	"github.com/njoerd114/cardrelay/internal/davclient"
	"github.com/njoerd114/cardrelay/internal/discovery"
)

// Wizard guides the user through first-run configuration.
type Wizard struct {
	prompt  *Prompter
	logger  *slog.Logger
	w       io.Writer
	cfgPath string

	// httpOptions are applied to the connection check (tests).
	httpOptions davclient.Options
}

// NewWizard creates a Wizard that writes the configuration to cfgPath.
func NewWizard(r io.Reader, w io.Writer, cfgPath string, logger *slog.Logger) *Wizard {
	return &Wizard{
		prompt:  NewPrompter(r, w),
		logger:  logger,
		w:       w,
		cfgPath: cfgPath,
	}
}

// Run executes the interactive setup wizard. It walks the user through the
// account connection, the group method, the poll interval and writes the
// config file.
func (wiz *Wizard) Run(ctx context.Context) error {
	fmt.Fprintf(wiz.w, "\nWelcome to cardrelay setup!\n")
	fmt.Fprintf(wiz.w, "This wizard will connect your CardDAV accounts.\n\n")

	if _, statErr := os.Stat(wiz.cfgPath); statErr == nil {
		fmt.Fprintf(wiz.w, "  Existing config found at %s\n", wiz.cfgPath)
		if !wiz.prompt.YesNo("Overwrite existing configuration?", false) {
			fmt.Fprintf(wiz.w, "\n  Keeping existing config.\n")
			return nil
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	var accounts []config.Account
	for {
		// Step 1: account connection.
		fmt.Fprintf(wiz.w, "Step 1/3 · CardDAV Account\n")
		acc, err := wiz.account(ctx, accounts)
		if err != nil {
			return err
		}

		// Step 2: group method.
		fmt.Fprintf(wiz.w, "Step 2/3 · Contact Groups\n")
		if acc.GroupMethod, err = wiz.prompt.GroupMethod(); err != nil {
			return fmt.Errorf("selecting group method: %w", err)
		}
		acc.SyncNewCollections = wiz.prompt.YesNo("Sync address books created on the server later automatically?", true)
		fmt.Fprintf(wiz.w, "\n")

		accounts = append(accounts, acc)
		if !wiz.prompt.YesNo("Add another account?", false) {
			break
		}
		fmt.Fprintf(wiz.w, "\n")
	}

	// Step 3: poll interval and save.
	fmt.Fprintf(wiz.w, "\nStep 3/3 · Schedule\n")
	pollInterval, err := wiz.prompt.PollInterval(15 * time.Minute)
	if err != nil {
		return err
	}

	cfg := &config.Config{
		PollInterval: pollInterval,
		Accounts:     accounts,
	}
	if err := cfg.Write(wiz.cfgPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	fmt.Fprintf(wiz.w, "  ✓ Config written to %s\n\n", wiz.cfgPath)

	fmt.Fprintf(wiz.w, "Setup complete! Next steps:\n")
	fmt.Fprintf(wiz.w, "  Choose address books: cardrelay discover\n")
	fmt.Fprintf(wiz.w, "  Sync once:            cardrelay sync-once\n")
	fmt.Fprintf(wiz.w, "  Run in background:    cardrelay daemon\n\n")
	return nil
}

// account prompts for the connection details of one account and checks
// them by listing its address books.
func (wiz *Wizard) account(ctx context.Context, prev []config.Account) (config.Account, error) {
	defaultName := "default"
	taken := make([]string, len(prev))
	for i, a := range prev {
		taken[i] = a.Name
	}
	if len(prev) > 0 {
		defaultName = fmt.Sprintf("account%d", len(prev)+1)
	}

	var (
		acc config.Account
		err error
	)
	if acc.Name, err = wiz.prompt.AccountName(defaultName, taken); err != nil {
		return acc, err
	}
	if acc.URL, err = wiz.prompt.ServerURL(); err != nil {
		return acc, err
	}
	if acc.Username, err = wiz.prompt.Username(); err != nil {
		return acc, err
	}
	if acc.Password, err = wiz.prompt.Password(); err != nil {
		return acc, err
	}

	fmt.Fprintf(wiz.w, "  Connecting to %s...", acc.URL)
	books, err := wiz.checkAccount(ctx, acc)
	if err != nil {
		fmt.Fprintf(wiz.w, " ✗\n")
		return acc, fmt.Errorf("cannot reach CardDAV server: %w\n\n  Check the URL and credentials, then try again", err)
	}
	fmt.Fprintf(wiz.w, " ✓\n")

	fmt.Fprintf(wiz.w, "  Found %d address book(s):\n", len(books))
	for _, b := range books {
		title := b.DisplayName
		if title == "" {
			title = b.URL
		}
		fmt.Fprintf(wiz.w, "    • %s\n", title)
	}
	fmt.Fprintf(wiz.w, "\n")
	return acc, nil
}

func (wiz *Wizard) checkAccount(ctx context.Context, acc config.Account) ([]davclient.AddressBookInfo, error) {
	opts := wiz.httpOptions
	opts.Username = acc.Username
	opts.Password = acc.Password
	client, err := davclient.New(acc.URL, opts, wiz.logger)
	if err != nil {
		return nil, err
	}
	// Listing needs no state store.
	return discovery.New(client, nil, acc.Name, discovery.Options{}, wiz.logger, nil, nil).Discover(ctx)
}
