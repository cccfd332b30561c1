package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-vcard"
)

// Apple's vCard 3 group extension. vCard 4 uses KIND and MEMBER instead.
const (
	fieldXKind   = "X-ADDRESSBOOKSERVER-KIND"
	fieldXMember = "X-ADDRESSBOOKSERVER-MEMBER"

	uuidURNPrefix = "urn:uuid:"
)

// ErrNoCard is returned by ParseCard when the body holds no vCard.
var ErrNoCard = errors.New("no vCard in body")

// ParseCard decodes the first card in data. jCard bodies are converted to the
// go-vcard representation so callers never deal with JSON.
func ParseCard(data []byte, f Format) (vcard.Card, error) {
	if f == FormatJCard {
		return DecodeJCard(data)
	}
	card, err := vcard.NewDecoder(bytes.NewReader(data)).Decode()
	if errors.Is(err, io.EOF) {
		return nil, ErrNoCard
	}
	if err != nil {
		return nil, fmt.Errorf("decoding vCard: %w", err)
	}
	return card, nil
}

// EncodeCard serializes card in the given format. The VERSION property is
// rewritten to match the format.
func EncodeCard(card vcard.Card, f Format) ([]byte, error) {
	if f == FormatJCard {
		return EncodeJCard(card)
	}

	version := "3.0"
	if f == FormatVCard4 {
		version = "4.0"
	}
	card.SetValue(vcard.FieldVersion, version)

	var buf bytes.Buffer
	if err := vcard.NewEncoder(&buf).Encode(card); err != nil {
		return nil, fmt.Errorf("encoding vCard: %w", err)
	}
	return buf.Bytes(), nil
}

// UID returns the card's UID with any urn:uuid: prefix removed.
func UID(card vcard.Card) string {
	return strings.TrimPrefix(strings.TrimSpace(card.Value(vcard.FieldUID)), uuidURNPrefix)
}

// SetUID replaces the card's UID.
func SetUID(card vcard.Card, uid string) {
	card.SetValue(vcard.FieldUID, uid)
}

// DisplayName picks a label for a card: FN, then the structured name, then
// the first e-mail address.
func DisplayName(card vcard.Card) string {
	if fn := strings.TrimSpace(card.PreferredValue(vcard.FieldFormattedName)); fn != "" {
		return fn
	}
	if n := card.Value(vcard.FieldName); n != "" {
		// N is family;given;additional;prefix;suffix
		parts := strings.Split(n, ";")
		var words []string
		for _, i := range []int{3, 1, 2, 0, 4} {
			if i < len(parts) && strings.TrimSpace(parts[i]) != "" {
				words = append(words, strings.TrimSpace(parts[i]))
			}
		}
		if len(words) > 0 {
			return strings.Join(words, " ")
		}
	}
	return card.PreferredValue(vcard.FieldEmail)
}

// IsGroup reports whether card describes a contact group in either the
// vCard 4 or the Apple vCard 3 convention.
func IsGroup(card vcard.Card) bool {
	if strings.EqualFold(card.Value(vcard.FieldKind), string(vcard.KindGroup)) {
		return true
	}
	return strings.EqualFold(card.Value(fieldXKind), string(vcard.KindGroup))
}

// GroupMembers returns the member UIDs referenced by a group card.
func GroupMembers(card vcard.Card) []string {
	var uids []string
	for _, key := range []string{vcard.FieldMember, fieldXMember} {
		for _, f := range card[key] {
			uid := strings.TrimPrefix(strings.TrimSpace(f.Value), uuidURNPrefix)
			if uid != "" {
				uids = append(uids, uid)
			}
		}
	}
	return uids
}

// NewGroup builds a group card for the given format. vCard 3 uses the Apple
// X-ADDRESSBOOKSERVER-* properties, vCard 4 and jCard use KIND and MEMBER.
func NewGroup(uid, title string, members []string, f Format) vcard.Card {
	card := make(vcard.Card)
	card.SetValue(vcard.FieldUID, uid)
	card.SetValue(vcard.FieldFormattedName, title)
	card.SetValue(vcard.FieldName, title)

	kindField, memberField := vcard.FieldKind, vcard.FieldMember
	if f == FormatVCard3 {
		kindField, memberField = fieldXKind, fieldXMember
	}
	card.SetValue(kindField, string(vcard.KindGroup))
	for _, m := range members {
		card.Add(memberField, &vcard.Field{Value: uuidURNPrefix + m})
	}
	return card
}

// Categories returns the card's category names. Values are split on commas
// and duplicates are dropped.
func Categories(card vcard.Card) []string {
	seen := make(map[string]bool)
	var cats []string
	for _, f := range card[vcard.FieldCategories] {
		for _, c := range strings.Split(f.Value, ",") {
			c = strings.TrimSpace(c)
			if c == "" || seen[c] {
				continue
			}
			seen[c] = true
			cats = append(cats, c)
		}
	}
	return cats
}

// SetCategories replaces the card's categories. Each category is written as
// its own CATEGORIES property so names containing commas survive encoding.
func SetCategories(card vcard.Card, cats []string) {
	delete(card, vcard.FieldCategories)
	for _, c := range cats {
		card.Add(vcard.FieldCategories, &vcard.Field{Value: c})
	}
}
