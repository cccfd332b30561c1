package davclient

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// XML namespaces used by CardDAV.
const (
	nsDAV     = "DAV:"
	nsCardDAV = "urn:ietf:params:xml:ns:carddav"
	nsCS      = "http://calendarserver.org/ns/"
)

// --- Response models (decoded with namespace-qualified names) ---------------

// Multistatus is a 207 Multi-Status body.
type Multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []Response `xml:"DAV: response"`
	SyncToken string     `xml:"DAV: sync-token"`
}

// Response is one resource in a multistatus body.
type Response struct {
	Href      string     `xml:"DAV: href"`
	Propstats []Propstat `xml:"DAV: propstat"`
	Status    string     `xml:"DAV: status"`
}

// Propstat groups properties that share a status.
type Propstat struct {
	Prop   Prop   `xml:"DAV: prop"`
	Status string `xml:"DAV: status"`
}

// Prop holds every property the client asks for.
type Prop struct {
	DisplayName             string                `xml:"DAV: displayname"`
	ResourceType            *ResourceType         `xml:"DAV: resourcetype"`
	GetETag                 string                `xml:"DAV: getetag"`
	GetContentType          string                `xml:"DAV: getcontenttype"`
	SyncToken               string                `xml:"DAV: sync-token"`
	CTag                    string                `xml:"http://calendarserver.org/ns/ getctag"`
	SupportedReportSet      *SupportedReportSet   `xml:"DAV: supported-report-set"`
	SupportedAddressData    *SupportedAddressData `xml:"urn:ietf:params:xml:ns:carddav supported-address-data"`
	MaxResourceSize         string                `xml:"urn:ietf:params:xml:ns:carddav max-resource-size"`
	AddressData             string                `xml:"urn:ietf:params:xml:ns:carddav address-data"`
	AddressBookDescription  string                `xml:"urn:ietf:params:xml:ns:carddav addressbook-description"`
	CurrentUserPrincipal    *HrefProp             `xml:"DAV: current-user-principal"`
	AddressbookHomeSet      *HrefListProp         `xml:"urn:ietf:params:xml:ns:carddav addressbook-home-set"`
	CurrentUserPrivilegeSet *PrivilegeSet         `xml:"DAV: current-user-privilege-set"`
}

// ResourceType marks collections and address books.
type ResourceType struct {
	Collection  *struct{} `xml:"DAV: collection"`
	AddressBook *struct{} `xml:"urn:ietf:params:xml:ns:carddav addressbook"`
}

// SupportedReportSet lists the REPORTs a collection accepts.
type SupportedReportSet struct {
	Reports []SupportedReport `xml:"DAV: supported-report"`
}

// SupportedReport wraps a single report name.
type SupportedReport struct {
	Report struct {
		SyncCollection      *struct{} `xml:"DAV: sync-collection"`
		AddressbookMultiget *struct{} `xml:"urn:ietf:params:xml:ns:carddav addressbook-multiget"`
	} `xml:"DAV: report"`
}

// SupportedAddressData lists the media types an address book can return.
type SupportedAddressData struct {
	Types []AddressDataType `xml:"urn:ietf:params:xml:ns:carddav address-data-type"`
}

// AddressDataType is one supported media type and version.
type AddressDataType struct {
	ContentType string `xml:"content-type,attr"`
	Version     string `xml:"version,attr"`
}

// HrefProp is a property holding a single href.
type HrefProp struct {
	Href string `xml:"DAV: href"`
}

// HrefListProp is a property holding several hrefs.
type HrefListProp struct {
	Hrefs []string `xml:"DAV: href"`
}

// PrivilegeSet is the current-user-privilege-set property.
type PrivilegeSet struct {
	Privileges []Privilege `xml:"DAV: privilege"`
}

// Privilege is one granted privilege.
type Privilege struct {
	All          *struct{} `xml:"DAV: all"`
	Write        *struct{} `xml:"DAV: write"`
	WriteContent *struct{} `xml:"DAV: write-content"`
	Bind         *struct{} `xml:"DAV: bind"`
}

// davError is the DAV:error body returned with precondition failures.
type davError struct {
	XMLName        xml.Name  `xml:"DAV: error"`
	ValidSyncToken *struct{} `xml:"DAV: valid-sync-token"`
}

// ok reports whether the propstat status is 2xx. Servers omit the status line
// rarely enough that an empty status is treated as success.
func (ps Propstat) ok() bool {
	if ps.Status == "" {
		return true
	}
	return statusCode(ps.Status)/100 == 2
}

// props merges the successful propstats of a response.
func (r Response) props() Prop {
	var merged Prop
	for _, ps := range r.Propstats {
		if !ps.ok() {
			continue
		}
		p := ps.Prop
		if p.DisplayName != "" {
			merged.DisplayName = p.DisplayName
		}
		if p.ResourceType != nil {
			merged.ResourceType = p.ResourceType
		}
		if p.GetETag != "" {
			merged.GetETag = p.GetETag
		}
		if p.GetContentType != "" {
			merged.GetContentType = p.GetContentType
		}
		if p.SyncToken != "" {
			merged.SyncToken = p.SyncToken
		}
		if p.CTag != "" {
			merged.CTag = p.CTag
		}
		if p.SupportedReportSet != nil {
			merged.SupportedReportSet = p.SupportedReportSet
		}
		if p.SupportedAddressData != nil {
			merged.SupportedAddressData = p.SupportedAddressData
		}
		if p.MaxResourceSize != "" {
			merged.MaxResourceSize = p.MaxResourceSize
		}
		if p.AddressData != "" {
			merged.AddressData = p.AddressData
		}
		if p.AddressBookDescription != "" {
			merged.AddressBookDescription = p.AddressBookDescription
		}
		if p.CurrentUserPrincipal != nil {
			merged.CurrentUserPrincipal = p.CurrentUserPrincipal
		}
		if p.AddressbookHomeSet != nil {
			merged.AddressbookHomeSet = p.AddressbookHomeSet
		}
		if p.CurrentUserPrivilegeSet != nil {
			merged.CurrentUserPrivilegeSet = p.CurrentUserPrivilegeSet
		}
	}
	return merged
}

// statusCode extracts the numeric code from an "HTTP/1.1 200 OK" status line.
func statusCode(line string) int {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	code := 0
	for _, r := range fields[1] {
		if r < '0' || r > '9' {
			return 0
		}
		code = code*10 + int(r-'0')
	}
	return code
}

// --- Request bodies (encoded with fixed prefixes) ----------------------------

// propName is an empty property element such as <d:getetag/>.
type propName struct {
	XMLName xml.Name
}

func names(local ...string) []propName {
	out := make([]propName, len(local))
	for i, n := range local {
		out[i] = propName{XMLName: xml.Name{Local: n}}
	}
	return out
}

type propQuery struct {
	Props []propName
}

type propfindBody struct {
	XMLName   xml.Name  `xml:"d:propfind"`
	XmlnsD    string    `xml:"xmlns:d,attr"`
	XmlnsCard string    `xml:"xmlns:card,attr"`
	XmlnsCS   string    `xml:"xmlns:cs,attr"`
	Prop      propQuery `xml:"d:prop"`
}

func newPropfind(props ...string) propfindBody {
	return propfindBody{
		XmlnsD:    nsDAV,
		XmlnsCard: nsCardDAV,
		XmlnsCS:   nsCS,
		Prop:      propQuery{Props: names(props...)},
	}
}

type syncCollectionBody struct {
	XMLName   xml.Name  `xml:"d:sync-collection"`
	XmlnsD    string    `xml:"xmlns:d,attr"`
	SyncToken string    `xml:"d:sync-token"`
	SyncLevel string    `xml:"d:sync-level"`
	Prop      propQuery `xml:"d:prop"`
}

type addressDataRequest struct {
	ContentType string `xml:"content-type,attr"`
	Version     string `xml:"version,attr,omitempty"`
}

type multigetProp struct {
	GetETag     *struct{}          `xml:"d:getetag"`
	AddressData addressDataRequest `xml:"card:address-data"`
}

type multigetBody struct {
	XMLName   xml.Name     `xml:"card:addressbook-multiget"`
	XmlnsD    string       `xml:"xmlns:d,attr"`
	XmlnsCard string       `xml:"xmlns:card,attr"`
	Prop      multigetProp `xml:"d:prop"`
	Hrefs     []string     `xml:"d:href"`
}

type mkcolResourceType struct {
	Collection  struct{} `xml:"d:collection"`
	AddressBook struct{} `xml:"card:addressbook"`
}

type mkcolProp struct {
	ResourceType mkcolResourceType `xml:"d:resourcetype"`
	DisplayName  string            `xml:"d:displayname,omitempty"`
	Description  string            `xml:"card:addressbook-description,omitempty"`
}

type mkcolBody struct {
	XMLName   xml.Name `xml:"d:mkcol"`
	XmlnsD    string   `xml:"xmlns:d,attr"`
	XmlnsCard string   `xml:"xmlns:card,attr"`
	Set       struct {
		Prop mkcolProp `xml:"d:prop"`
	} `xml:"d:set"`
}

// encodeXML marshals v with an XML declaration.
func encodeXML(v any) ([]byte, error) {
	out, err := xml.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}

// safeUnmarshalXML decodes data with external entities disabled.
func safeUnmarshalXML(data []byte, v any) error {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Entity = xml.HTMLEntity
	return decoder.Decode(v)
}
