package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-vcard"
)

// structured lists properties whose values are ;-separated components.
var structured = map[string]bool{
	vcard.FieldName:    true,
	vcard.FieldAddress: true,
	"GENDER":           true,
	"ORG":              true,
}

// uriValued lists properties encoded with the "uri" value type.
var uriValued = map[string]bool{
	vcard.FieldMember: true,
	vcard.FieldURL:    true,
	vcard.FieldPhoto:  true,
	vcard.FieldLogo:   true,
	vcard.FieldSound:  true,
	vcard.FieldSource: true,
	vcard.FieldKey:    true,
}

// DecodeJCard parses an RFC 7095 jCard document.
func DecodeJCard(data []byte) (vcard.Card, error) {
	var doc []json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding jCard: %w", err)
	}
	if len(doc) != 2 {
		return nil, fmt.Errorf("decoding jCard: expected [\"vcard\", [...]], got %d elements", len(doc))
	}
	var tag string
	if err := json.Unmarshal(doc[0], &tag); err != nil || !strings.EqualFold(tag, "vcard") {
		return nil, fmt.Errorf("decoding jCard: missing \"vcard\" tag")
	}

	var props [][]json.RawMessage
	if err := json.Unmarshal(doc[1], &props); err != nil {
		return nil, fmt.Errorf("decoding jCard properties: %w", err)
	}

	card := make(vcard.Card)
	for i, prop := range props {
		if len(prop) < 4 {
			return nil, fmt.Errorf("decoding jCard property %d: expected at least 4 elements", i)
		}
		var name string
		if err := json.Unmarshal(prop[0], &name); err != nil {
			return nil, fmt.Errorf("decoding jCard property %d name: %w", i, err)
		}
		var rawParams map[string]json.RawMessage
		if err := json.Unmarshal(prop[1], &rawParams); err != nil {
			return nil, fmt.Errorf("decoding jCard %s parameters: %w", name, err)
		}

		field := &vcard.Field{Params: make(vcard.Params)}
		for k, v := range rawParams {
			vals, err := stringOrList(v)
			if err != nil {
				return nil, fmt.Errorf("decoding jCard %s parameter %s: %w", name, k, err)
			}
			if strings.EqualFold(k, "group") {
				if len(vals) > 0 {
					field.Group = vals[0]
				}
				continue
			}
			field.Params[strings.ToUpper(k)] = vals
		}
		if len(field.Params) == 0 {
			field.Params = nil
		}

		values := make([]string, 0, len(prop)-3)
		for _, raw := range prop[3:] {
			v, err := jcardValue(raw)
			if err != nil {
				return nil, fmt.Errorf("decoding jCard %s value: %w", name, err)
			}
			values = append(values, v)
		}
		field.Value = strings.Join(values, ",")

		card.Add(strings.ToUpper(name), field)
	}
	return card, nil
}

// EncodeJCard serializes card as an RFC 7095 jCard document. VERSION is
// always written first as 4.0.
func EncodeJCard(card vcard.Card) ([]byte, error) {
	props := [][]any{{"version", map[string]any{}, "text", "4.0"}}

	keys := make([]string, 0, len(card))
	for k := range card {
		if k != vcard.FieldVersion {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		for _, f := range card[k] {
			params := map[string]any{}
			for pk, pv := range f.Params {
				if len(pv) == 1 {
					params[strings.ToLower(pk)] = pv[0]
				} else {
					params[strings.ToLower(pk)] = pv
				}
			}
			if f.Group != "" {
				params["group"] = f.Group
			}

			valueType := "text"
			if uriValued[k] {
				valueType = "uri"
			}

			prop := []any{strings.ToLower(k), params, valueType}
			switch {
			case structured[k]:
				prop = append(prop, strings.Split(f.Value, ";"))
			case k == vcard.FieldCategories || k == vcard.FieldNickname:
				for _, v := range strings.Split(f.Value, ",") {
					prop = append(prop, v)
				}
			default:
				prop = append(prop, f.Value)
			}
			props = append(props, prop)
		}
	}

	out, err := json.Marshal([]any{"vcard", props})
	if err != nil {
		return nil, fmt.Errorf("encoding jCard: %w", err)
	}
	return out, nil
}

// jcardValue flattens a jCard value: arrays become ;-joined components whose
// own arrays are ,-joined.
func jcardValue(raw json.RawMessage) (string, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch val := v.(type) {
	case []any:
		parts := make([]string, len(val))
		for i, p := range val {
			if inner, ok := p.([]any); ok {
				sub := make([]string, len(inner))
				for j, s := range inner {
					sub[j] = scalar(s)
				}
				parts[i] = strings.Join(sub, ",")
				continue
			}
			parts[i] = scalar(p)
		}
		return strings.Join(parts, ";"), nil
	default:
		return scalar(val), nil
	}
}

func scalar(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case bool:
		if s {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprint(s)
	}
}

func stringOrList(raw json.RawMessage) ([]string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return list, nil
}
