package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/emersion/go-vcard"

	"github.com/njoerd114/cardrelay/internal/local"
	"github.com/njoerd114/cardrelay/internal/model"
	"github.com/njoerd114/cardrelay/internal/setup"
	"github.com/njoerd114/cardrelay/internal/state"
)

var (
	defaultStatePath    = state.DefaultDBPath
	defaultContactsPath = local.DefaultDBPath
)

// printDBSize prints the path and size of a database file.
func printDBSize(label, configured string, defaultPath func() (string, error)) {
	path := configured
	if path == "" {
		p, err := defaultPath()
		if err != nil {
			fmt.Printf("  %-10s unknown (%v)\n", label+":", err)
			return
		}
		path = p
	}
	if info, err := os.Stat(path); err == nil {
		fmt.Printf("  %-10s %s (%s)\n", label+":", path, humanSize(info.Size()))
	} else {
		fmt.Printf("  %-10s not found\n", label+":")
	}
}

// printCollections lists the collections of every configured account with
// their local address books.
func printCollections(ctx context.Context, a *app) error {
	for _, name := range a.cfg.AccountNames() {
		acc, _ := a.cfg.Account(name)
		fmt.Printf("Account %s (%s, groups: %s)\n", name, acc.URL, acc.GroupMethod)

		svc, err := a.state.Service(ctx, name, state.ServiceCardDAV)
		if err != nil {
			return err
		}
		if svc == nil {
			fmt.Println("  not discovered yet, run 'cardrelay discover'")
			continue
		}
		cols, err := a.state.Collections(ctx, svc.ID)
		if err != nil {
			return err
		}
		if len(cols) == 0 {
			fmt.Println("  no address books")
		}
		for _, c := range cols {
			mark := " "
			if c.Sync {
				mark = "✓"
			}
			flags := ""
			if c.EffectiveReadOnly() {
				flags = " [read-only]"
			}
			fmt.Printf("  %s %3d  %s%s\n", mark, c.ID, c.Title(), flags)

			book, err := a.contacts.AddressBookByCollection(ctx, c.ID)
			if err != nil {
				return err
			}
			if book == nil {
				continue
			}
			cards, err := book.Contacts(ctx, false)
			if err != nil {
				return err
			}
			pending, err := book.HasLocalChanges(ctx)
			if err != nil {
				return err
			}
			line := fmt.Sprintf("         %d contact(s)", len(cards))
			if pending {
				line += ", local changes pending upload"
			}
			fmt.Println(line)
		}
	}
	return nil
}

// discoverAccount refreshes the address book list of one account. With
// choose the user picks the books to sync afterwards.
func discoverAccount(ctx context.Context, a *app, name string, choose bool) error {
	acc, err := a.account(name)
	if err != nil {
		return err
	}
	d, err := a.discoverer(acc, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}

	// Same lock as a sync run so account rename and delete wait for us.
	unlock, err := a.locks.RLock(ctx, name)
	if err != nil {
		return fmt.Errorf("locking %s: %w", name, err)
	}
	s, err := d.Refresh(ctx)
	unlock()
	if err != nil {
		return fmt.Errorf("discovering %s: %w", name, err)
	}
	fmt.Printf("%s: %d new, %d changed, %d removed address book(s)\n", name, len(s.Added), len(s.Updated), len(s.Removed))

	if !choose {
		return nil
	}
	cols, err := a.state.Collections(ctx, s.Service.ID)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}
	return chooseBooks(ctx, a, cols, setup.NewPrompter(os.Stdin, os.Stdout))
}

// chooseBooks asks which of cols to sync and stores the answer.
func chooseBooks(ctx context.Context, a *app, cols []*state.Collection, p *setup.Prompter) error {
	choices := make([]setup.BookChoice, len(cols))
	for i, c := range cols {
		choices[i] = setup.BookChoice{Title: c.Title(), ReadOnly: c.EffectiveReadOnly(), Sync: c.Sync}
	}
	picked, err := p.AddressBooks(choices)
	if err != nil {
		return err
	}
	for i, c := range cols {
		if c.Sync == picked[i] {
			continue
		}
		if err := a.state.SetSync(ctx, c.ID, picked[i]); err != nil {
			return err
		}
	}
	return nil
}

// importFiles adds every contact of the given vCard files to the local
// address book of a collection. Group vCards are skipped.
func importFiles(ctx context.Context, a *app, account string, collectionID int64, paths []string) (int, error) {
	if _, err := a.account(account); err != nil {
		return 0, err
	}
	book, err := a.contacts.AddressBookByCollection(ctx, collectionID)
	if err != nil {
		return 0, err
	}
	switch {
	case book == nil:
		return 0, fmt.Errorf("collection %d has no local address book yet, enable it and sync first", collectionID)
	case book.Account != account:
		return 0, fmt.Errorf("collection %d belongs to account %q", collectionID, book.Account)
	case book.ReadOnly():
		return 0, fmt.Errorf("collection %d (%s) is read-only", collectionID, book.Title())
	}

	n := 0
	for _, path := range paths {
		added, err := importFile(ctx, book, path)
		n += added
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func importFile(ctx context.Context, book *local.AddressBook, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	n := 0
	dec := vcard.NewDecoder(f)
	for {
		card, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("parsing %s: %w", path, err)
		}
		if model.IsGroup(card) {
			continue
		}
		if _, err := book.AddContact(ctx, card); err != nil {
			return n, err
		}
		n++
	}
}

// setCollectionSync enables or disables synchronization of a collection.
func setCollectionSync(ctx context.Context, a *app, idArg string, enable, readOnly bool) error {
	id, err := strconv.ParseInt(idArg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid collection ID %q", idArg)
	}
	c, err := a.state.Collection(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("collection %d not found, see 'cardrelay status'", id)
	}
	if err := a.state.SetSync(ctx, id, enable); err != nil {
		return err
	}
	if enable {
		if err := a.state.SetForceReadOnly(ctx, id, readOnly); err != nil {
			return err
		}
		fmt.Printf("✓ %s will be synced on the next run\n", c.Title())
	} else {
		fmt.Printf("✓ %s will be removed locally on the next run\n", c.Title())
	}
	return nil
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
