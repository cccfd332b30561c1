package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/njoerd114/cardrelay/internal/config"
	"github.com/njoerd114/cardrelay/internal/contacts"
	"github.com/njoerd114/cardrelay/internal/davclient"
	"github.com/njoerd114/cardrelay/internal/discovery"
	"github.com/njoerd114/cardrelay/internal/local"
	"github.com/njoerd114/cardrelay/internal/model"
	"github.com/njoerd114/cardrelay/internal/state"
	syncp "github.com/njoerd114/cardrelay/internal/sync"
	"github.com/njoerd114/cardrelay/internal/worker"
)

// errUnknownAccount is returned for account names missing from the config.
var errUnknownAccount = errors.New("unknown account")

// app holds the databases and clients shared by all subcommands.
type app struct {
	cfg      *config.Config
	cfgPath  string
	log      *slog.Logger
	state    *state.Store
	contacts *local.Store
	locks    *worker.AccountLocks

	// httpClient overrides the HTTP client of every account (tests).
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*davclient.Client
}

// openApp opens the state and contacts databases configured in cfg.
func openApp(cfg *config.Config, cfgPath string, logger *slog.Logger) (*app, error) {
	statePath := cfg.StateDB
	if statePath == "" {
		p, err := state.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolving state DB path: %w", err)
		}
		statePath = p
	}
	contactsPath := cfg.ContactsDB
	if contactsPath == "" {
		p, err := local.DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("resolving contacts DB path: %w", err)
		}
		contactsPath = p
	}

	st, err := state.Open(statePath)
	if err != nil {
		return nil, fmt.Errorf("opening state DB at %q: %w", statePath, err)
	}
	cs, err := local.Open(contactsPath)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("opening contacts DB at %q: %w", contactsPath, err)
	}
	logger.Debug("databases opened", "state", statePath, "contacts", contactsPath)

	return &app{
		cfg:      cfg,
		cfgPath:  cfgPath,
		log:      logger,
		state:    st,
		contacts: cs,
		locks:    worker.NewFileAccountLocks(filepath.Join(filepath.Dir(statePath), "locks")),
		clients:  make(map[string]*davclient.Client),
	}, nil
}

// Close closes both databases.
func (a *app) Close() error {
	return errors.Join(a.state.Close(), a.contacts.Close())
}

// account returns the configured account called name.
func (a *app) account(name string) (*config.Account, error) {
	acc, ok := a.cfg.Account(name)
	if !ok {
		return nil, fmt.Errorf("%w %q", errUnknownAccount, name)
	}
	return acc, nil
}

// client returns the CardDAV client of acc, creating it on first use.
func (a *app) client(acc *config.Account) (*davclient.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[acc.Name]; ok {
		return c, nil
	}
	c, err := davclient.New(acc.URL, davclient.Options{
		Username:          acc.Username,
		Password:          acc.Password,
		UserAgent:         a.cfg.Client.UserAgent,
		Timeout:           a.cfg.Client.Timeout,
		RequestsPerSecond: a.cfg.Client.RequestsPerSecond,
		HTTPClient:        a.httpClient,
	}, a.log.With("account", acc.Name))
	if err != nil {
		return nil, err
	}
	a.clients[acc.Name] = c
	return c, nil
}

// discoverer returns a Discoverer for acc. A nil reader disables the
// first-run prompt.
func (a *app) discoverer(acc *config.Account, reader io.Reader, writer io.Writer) (*discovery.Discoverer, error) {
	c, err := a.client(acc)
	if err != nil {
		return nil, err
	}
	return discovery.New(c, a.state, acc.Name, discovery.Options{SyncNewCollections: acc.SyncNewCollections}, a.log, reader, writer), nil
}

// RunSync implements [worker.Runner]. Full runs refresh the collection list
// first; upload-triggered runs reuse it when the account is known.
func (a *app) RunSync(ctx context.Context, account string, req syncp.Request) syncp.Result {
	var result syncp.Result
	fail := func(err error) syncp.Result {
		result.Fold(err, time.Now())
		return result
	}

	acc, err := a.account(account)
	if err != nil {
		// Retrying will not make the account appear.
		result.NumClientErrors++
		result.LastError = err
		return result
	}
	client, err := a.client(acc)
	if err != nil {
		result.NumClientErrors++
		result.LastError = err
		return result
	}
	method, err := model.ParseGroupMethod(acc.GroupMethod)
	if err != nil {
		result.NumClientErrors++
		result.LastError = err
		return result
	}

	svc, err := a.state.Service(ctx, account, state.ServiceCardDAV)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", syncp.ErrLocalStorage, err))
	}
	if svc == nil || !req.UploadTriggered {
		d, err := a.discoverer(acc, nil, nil)
		if err != nil {
			return fail(err)
		}
		sum, err := d.Refresh(ctx)
		if err != nil {
			return fail(err)
		}
		svc = sum.Service
	}

	handler := contacts.NewAddressBookSyncer(a.contacts, client, account, method,
		contacts.Options{JCard: a.cfg.Client.JCard}, nil, a.log)
	syncp.NewSyncer(a.state, handler, a.log).Sync(ctx, svc.ID, req, &result)
	return result
}

// newWorker creates a scheduler running syncs through a. Runs end when ctx
// is cancelled.
func (a *app) newWorker(ctx context.Context) *worker.Manager {
	opts := worker.DefaultOptions()
	opts.MaxRetries = a.cfg.Client.Retries()
	opts.NetworkAvailable = worker.DialCheck(a.hostOf, 5*time.Second)
	return worker.New(ctx, a, a.locks, opts, a.log)
}

// hostOf returns host:port of an account's server.
func (a *app) hostOf(account string) string {
	acc, ok := a.cfg.Account(account)
	if !ok {
		return ""
	}
	u, err := url.Parse(acc.URL)
	if err != nil {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	port := "443"
	if u.Scheme == "http" {
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// renameAccount renames an account in both databases and the config file
// while no sync of it runs.
func (a *app) renameAccount(ctx context.Context, from, to string) error {
	acc, err := a.account(from)
	if err != nil {
		return err
	}
	if _, exists := a.cfg.Account(to); exists {
		return fmt.Errorf("account %q already exists", to)
	}
	return a.locks.Exclusive(ctx, from, func() error {
		if err := a.state.RenameAccount(ctx, from, to); err != nil {
			return err
		}
		if err := a.contacts.RenameAccount(ctx, from, to); err != nil {
			return err
		}
		acc.Name = to
		a.mu.Lock()
		delete(a.clients, from)
		a.mu.Unlock()
		return a.cfg.Write(a.cfgPath)
	})
}

// deleteAccount removes an account from both databases and the config file.
// The config keeps its last account because it needs at least one.
func (a *app) deleteAccount(ctx context.Context, name string) (configUpdated bool, err error) {
	if _, err := a.account(name); err != nil {
		return false, err
	}
	err = a.locks.Exclusive(ctx, name, func() error {
		if err := a.state.DeleteAccount(ctx, name); err != nil {
			return err
		}
		if err := a.contacts.DeleteAccount(ctx, name); err != nil {
			return err
		}
		if len(a.cfg.Accounts) == 1 {
			return nil
		}
		kept := a.cfg.Accounts[:0]
		for _, acc := range a.cfg.Accounts {
			if acc.Name != name {
				kept = append(kept, acc)
			}
		}
		a.cfg.Accounts = kept
		configUpdated = true
		return a.cfg.Write(a.cfgPath)
	})
	return configUpdated, err
}
