package davtest

import "encoding/xml"

// XML response models for PROPFIND/REPORT replies.

type multistatus struct {
	XMLName   xml.Name   `xml:"d:multistatus"`
	XmlnsD    string     `xml:"xmlns:d,attr"`
	XmlnsCard string     `xml:"xmlns:card,attr"`
	XmlnsCS   string     `xml:"xmlns:cs,attr"`
	Responses []response `xml:"d:response"`
	SyncToken string     `xml:"d:sync-token,omitempty"`
}

func newMultistatus() *multistatus {
	return &multistatus{
		XmlnsD:    "DAV:",
		XmlnsCard: "urn:ietf:params:xml:ns:carddav",
		XmlnsCS:   "http://calendarserver.org/ns/",
	}
}

type response struct {
	Href     string     `xml:"d:href"`
	Propstat []propstat `xml:"d:propstat,omitempty"`
	Status   string     `xml:"d:status,omitempty"`
}

type propstat struct {
	Prop   prop   `xml:"d:prop"`
	Status string `xml:"d:status"`
}

type prop struct {
	DisplayName             string                `xml:"d:displayname,omitempty"`
	ResourceType            *resourceType         `xml:"d:resourcetype,omitempty"`
	GetETag                 string                `xml:"d:getetag,omitempty"`
	CTag                    string                `xml:"cs:getctag,omitempty"`
	SyncToken               string                `xml:"d:sync-token,omitempty"`
	SupportedReportSet      *supportedReportSet   `xml:"d:supported-report-set,omitempty"`
	SupportedAddressData    *supportedAddressData `xml:"card:supported-address-data,omitempty"`
	MaxResourceSize         string                `xml:"card:max-resource-size,omitempty"`
	AddressData             cdataString           `xml:"card:address-data,omitempty"`
	AddressBookDescription  string                `xml:"card:addressbook-description,omitempty"`
	CurrentUserPrincipal    *hrefProp             `xml:"d:current-user-principal,omitempty"`
	AddressbookHomeSet      *hrefProp             `xml:"card:addressbook-home-set,omitempty"`
	CurrentUserPrivilegeSet *privilegeSet         `xml:"d:current-user-privilege-set,omitempty"`
}

// cdataString wraps string content in CDATA for raw XML output.
type cdataString string

func (c cdataString) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if c == "" {
		return nil
	}
	return e.EncodeElement(struct {
		S string `xml:",cdata"`
	}{S: string(c)}, start)
}

type resourceType struct {
	Collection  *struct{} `xml:"d:collection,omitempty"`
	AddressBook *struct{} `xml:"card:addressbook,omitempty"`
	Principal   *struct{} `xml:"d:principal,omitempty"`
}

type hrefProp struct {
	Href string `xml:"d:href"`
}

type supportedReportSet struct {
	Reports []supportedReport `xml:"d:supported-report"`
}

type supportedReport struct {
	Report reportName `xml:"d:report"`
}

type reportName struct {
	SyncCollection      *struct{} `xml:"d:sync-collection,omitempty"`
	AddressbookMultiget *struct{} `xml:"card:addressbook-multiget,omitempty"`
}

type supportedAddressData struct {
	Types []addressDataType `xml:"card:address-data-type"`
}

type addressDataType struct {
	ContentType string `xml:"content-type,attr"`
	Version     string `xml:"version,attr"`
}

type privilegeSet struct {
	Privileges []privilege `xml:"d:privilege"`
}

type privilege struct {
	Read  *struct{} `xml:"d:read,omitempty"`
	Write *struct{} `xml:"d:write,omitempty"`
}

type davError struct {
	XMLName        xml.Name  `xml:"d:error"`
	XmlnsD         string    `xml:"xmlns:d,attr"`
	ValidSyncToken *struct{} `xml:"d:valid-sync-token"`
}

// --- request bodies ----------------------------------------------------------

type reportRequest struct {
	XMLName   xml.Name
	Hrefs     []string    `xml:"DAV: href"`
	SyncToken string      `xml:"DAV: sync-token"`
	Prop      *reportProp `xml:"DAV: prop"`
}

type reportProp struct {
	AddressData *struct {
		ContentType string `xml:"content-type,attr"`
		Version     string `xml:"version,attr"`
	} `xml:"urn:ietf:params:xml:ns:carddav address-data"`
}

type mkcolRequest struct {
	XMLName xml.Name
	Set     struct {
		Prop struct {
			DisplayName string `xml:"DAV: displayname"`
			Description string `xml:"urn:ietf:params:xml:ns:carddav addressbook-description"`
		} `xml:"DAV: prop"`
	} `xml:"DAV: set"`
}
