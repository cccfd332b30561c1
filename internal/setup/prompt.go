// Package setup implements the interactive first-run wizard that writes the
// cardrelay configuration, and the terminal prompts shared with other
// commands.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/njoerd114/cardrelay/internal/config"
)

// groupMethods are the choices offered by [Prompter.GroupMethod].
var groupMethods = []struct {
	method string
	label  string
}{
	{config.GroupMethodGroupVCards, "Separate group vCards (KIND:group, most servers)"},
	{config.GroupMethodCategories, "CATEGORIES on each contact (Google-style)"},
}

// Prompter asks for account settings on a terminal. Tests inject buffers
// for the reader and writer.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

// NewPrompter creates a Prompter reading answers from r.
func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

// ask prints label, with def in brackets when set, and reads one answer. An
// empty answer selects def. ok is false at end of input.
func (p *Prompter) ask(label, def string) (answer string, ok bool) {
	if def != "" {
		_, _ = fmt.Fprintf(p.w, "  %s [%s]: ", label, def)
	} else {
		_, _ = fmt.Fprintf(p.w, "  %s: ", label)
	}
	if !p.scanner.Scan() {
		return def, false
	}
	if answer = strings.TrimSpace(p.scanner.Text()); answer == "" {
		answer = def
	}
	return answer, true
}

// askValid repeats the question until check accepts the answer.
func (p *Prompter) askValid(label, def string, check func(string) error) (string, error) {
	for {
		answer, ok := p.ask(label, def)
		err := check(answer)
		if err == nil {
			return answer, nil
		}
		if !ok {
			return "", fmt.Errorf("%s: %w", label, io.ErrUnexpectedEOF)
		}
		_, _ = fmt.Fprintf(p.w, "  (%v)\n", err)
	}
}

func required(s string) error {
	if s == "" {
		return errors.New("required, please enter a value")
	}
	return nil
}

// AccountName asks for a name not in taken.
func (p *Prompter) AccountName(def string, taken []string) (string, error) {
	return p.askValid("Account name", def, func(s string) error {
		if err := required(s); err != nil {
			return err
		}
		if slices.Contains(taken, s) {
			return fmt.Errorf("account %q already exists", s)
		}
		return nil
	})
}

// ServerURL asks for the http or https URL of a CardDAV server.
func (p *Prompter) ServerURL() (string, error) {
	return p.askValid("Server URL (e.g. https://dav.example.com/)", "", func(s string) error {
		if err := required(s); err != nil {
			return err
		}
		u, err := url.ParseRequestURI(s)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("enter an http:// or https:// URL with a host name")
		}
		return nil
	})
}

// Username asks for the login of an account.
func (p *Prompter) Username() (string, error) {
	return p.askValid("Username", "", required)
}

// Password asks for a password or app token. The answer is echoed.
func (p *Prompter) Password() (string, error) {
	return p.askValid("Password or app token", "", required)
}

// GroupMethod asks how contact groups are stored on the server and returns
// one of the config.GroupMethod* values.
func (p *Prompter) GroupMethod() (string, error) {
	_, _ = fmt.Fprintf(p.w, "  How should contact groups be stored?\n")
	for i, m := range groupMethods {
		_, _ = fmt.Fprintf(p.w, "    %d) %s\n", i+1, m.label)
	}
	answer, err := p.askValid(fmt.Sprintf("Choice [1-%d]", len(groupMethods)), "1", func(s string) error {
		if n, err := strconv.Atoi(s); err != nil || n < 1 || n > len(groupMethods) {
			return fmt.Errorf("enter a number between 1 and %d", len(groupMethods))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	n, _ := strconv.Atoi(answer)
	return groupMethods[n-1].method, nil
}

// PollInterval asks how often the daemon syncs, within the range the config
// accepts.
func (p *Prompter) PollInterval(def time.Duration) (time.Duration, error) {
	answer, err := p.askValid("How often to sync? (1m–24h)", def.String(), func(s string) error {
		d, err := time.ParseDuration(s)
		if err != nil || d < time.Minute || d > 24*time.Hour {
			return errors.New("enter a duration between 1m and 24h, e.g. 15m")
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return time.ParseDuration(answer)
}

// YesNo asks a yes/no question. An empty answer or end of input selects
// defaultYes.
func (p *Prompter) YesNo(label string, defaultYes bool) bool {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}
	answer, _ := p.ask(label+" ("+hint+")", "")
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	default:
		return defaultYes
	}
}

// BookChoice is an address book offered by [Prompter.AddressBooks].
type BookChoice struct {
	Title    string
	ReadOnly bool
	Sync     bool
}

// AddressBooks lists books with their current sync state and asks which of
// them to sync. It returns the new sync flag of each book. An empty answer
// keeps the current selection and "none" disables every book.
func (p *Prompter) AddressBooks(books []BookChoice) ([]bool, error) {
	if len(books) == 0 {
		return nil, errors.New("no address books to choose from")
	}
	_, _ = fmt.Fprintf(p.w, "  Address books:\n")
	for i, b := range books {
		mark := " "
		if b.Sync {
			mark = "x"
		}
		suffix := ""
		if b.ReadOnly {
			suffix = " (read-only)"
		}
		_, _ = fmt.Fprintf(p.w, "    [%s] %d) %s%s\n", mark, i+1, b.Title, suffix)
	}

	var picked []bool
	_, err := p.askValid("Books to sync (e.g. 1,3, Enter keeps, none)", "", func(s string) error {
		sel, err := parseSelection(s, books)
		if err == nil {
			picked = sel
		}
		return err
	})
	return picked, err
}

func parseSelection(s string, books []BookChoice) ([]bool, error) {
	sel := make([]bool, len(books))
	switch strings.ToLower(s) {
	case "":
		for i, b := range books {
			sel[i] = b.Sync
		}
		return sel, nil
	case "none":
		return sel, nil
	}
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 || n > len(books) {
			return nil, fmt.Errorf("enter numbers between 1 and %d, separated by commas", len(books))
		}
		sel[n-1] = true
	}
	return sel, nil
}
