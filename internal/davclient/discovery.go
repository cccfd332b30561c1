package davclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// AddressBookInfo describes an address book found in a home set.
type AddressBookInfo struct {
	URL         string
	DisplayName string
	Description string

	// ReadOnly is true when the current user lacks write privileges.
	ReadOnly bool
}

// CurrentUserPrincipal resolves the principal URL for the authenticated
// user. It tries the base URL first and falls back to /.well-known/carddav.
func (c *Client) CurrentUserPrincipal(ctx context.Context) (string, error) {
	candidates := []string{c.base.String()}
	if wk, err := c.Resolve("/.well-known/carddav"); err == nil {
		candidates = append(candidates, wk)
	}

	var lastErr error
	for _, u := range candidates {
		ms, err := c.Propfind(ctx, u, "0", "d:current-user-principal")
		if err != nil {
			if IsStatus(err, http.StatusUnauthorized) {
				return "", err
			}
			lastErr = err
			continue
		}
		for _, r := range ms.Responses {
			p := r.props()
			if p.CurrentUserPrincipal != nil && p.CurrentUserPrincipal.Href != "" {
				return c.Resolve(p.CurrentUserPrincipal.Href)
			}
		}
	}
	if lastErr == nil {
		lastErr = errors.New("server did not report current-user-principal")
	}
	return "", fmt.Errorf("finding current-user-principal: %w", lastErr)
}

// AddressBookHomeSets returns the addressbook-home-set URLs of a principal.
func (c *Client) AddressBookHomeSets(ctx context.Context, principal string) ([]string, error) {
	ms, err := c.Propfind(ctx, principal, "0", "card:addressbook-home-set")
	if err != nil {
		return nil, fmt.Errorf("querying addressbook-home-set: %w", err)
	}
	var homes []string
	for _, r := range ms.Responses {
		p := r.props()
		if p.AddressbookHomeSet == nil {
			continue
		}
		for _, h := range p.AddressbookHomeSet.Hrefs {
			u, err := c.Resolve(h)
			if err != nil {
				return nil, err
			}
			homes = append(homes, u)
		}
	}
	return homes, nil
}

// ListAddressBooks lists the address books directly below a home set.
func (c *Client) ListAddressBooks(ctx context.Context, home string) ([]AddressBookInfo, error) {
	ms, err := c.Propfind(ctx, home, "1",
		"d:resourcetype",
		"d:displayname",
		"card:addressbook-description",
		"d:current-user-privilege-set",
	)
	if err != nil {
		return nil, fmt.Errorf("listing address books in %s: %w", home, err)
	}

	var books []AddressBookInfo
	for _, r := range ms.Responses {
		p := r.props()
		if p.ResourceType == nil || p.ResourceType.AddressBook == nil {
			continue
		}
		u, err := c.Resolve(r.Href)
		if err != nil {
			return nil, err
		}
		books = append(books, AddressBookInfo{
			URL:         u,
			DisplayName: p.DisplayName,
			Description: p.AddressBookDescription,
			ReadOnly:    p.CurrentUserPrivilegeSet != nil && !canWrite(p.CurrentUserPrivilegeSet),
		})
	}
	return books, nil
}

func canWrite(ps *PrivilegeSet) bool {
	for _, priv := range ps.Privileges {
		if priv.All != nil || priv.Write != nil || priv.WriteContent != nil || priv.Bind != nil {
			return true
		}
	}
	return false
}
