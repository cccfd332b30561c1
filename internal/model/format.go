// Package model defines the contact card representation shared by the
// CardDAV client, the local contacts store and the sync engine.
package model

import (
	"fmt"
	"strings"
)

// Format is a serialization format for contact resources, negotiated per
// address book from the server's supported-address-data property.
type Format int

const (
	// FormatVCard3 is vCard 3.0 (RFC 2426), the universal fallback.
	FormatVCard3 Format = iota
	// FormatVCard4 is vCard 4.0 (RFC 6350).
	FormatVCard4
	// FormatJCard is the JSON representation of vCard 4.0 (RFC 7095).
	FormatJCard
)

// String returns the human-readable label for the format.
func (f Format) String() string {
	switch f {
	case FormatVCard4:
		return "vCard4"
	case FormatJCard:
		return "jCard"
	default:
		return "vCard3"
	}
}

// ContentType returns the MIME type without parameters, as used in the
// address-data element of a multiget REPORT.
func (f Format) ContentType() string {
	if f == FormatJCard {
		return "application/vcard+json"
	}
	return "text/vcard"
}

// Version returns the version parameter announced for the format. vCard 3.0
// is sent without one because it is assumed when unspecified.
func (f Format) Version() string {
	if f == FormatVCard3 {
		return ""
	}
	return "4.0"
}

// MediaType returns the Content-Type header value used when uploading.
func (f Format) MediaType() string {
	switch f {
	case FormatVCard4:
		return "text/vcard; version=4.0; charset=utf-8"
	case FormatJCard:
		return "application/vcard+json"
	default:
		return "text/vcard; charset=utf-8"
	}
}

// GroupMethod selects how contact groups are represented on the server.
// It is configured per account.
type GroupMethod string

const (
	// GroupMethodCategories stores membership in each contact's CATEGORIES
	// property. Groups exist only locally.
	GroupMethodCategories GroupMethod = "categories"

	// GroupMethodGroupVCards stores each group as its own vCard resource that
	// lists member UIDs.
	GroupMethodGroupVCards GroupMethod = "group-vcards"
)

// ParseGroupMethod maps a configuration value to a GroupMethod. An empty
// string selects separate group vCards.
func ParseGroupMethod(s string) (GroupMethod, error) {
	switch GroupMethod(strings.ToLower(strings.TrimSpace(s))) {
	case "", GroupMethodGroupVCards:
		return GroupMethodGroupVCards, nil
	case GroupMethodCategories:
		return GroupMethodCategories, nil
	default:
		return "", fmt.Errorf("unknown group method %q (want %q or %q)", s, GroupMethodCategories, GroupMethodGroupVCards)
	}
}
