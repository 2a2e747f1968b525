package toolprovider

import "encoding/xml"

// Tool configuration descriptor in the IMS cartridge "basic_lti_link" format,
// served per consumer so an LMS administrator can import the tool.

// ToolConfig describes the tool for one consumer.
type ToolConfig struct {
	Title       string
	Description string
	LaunchURL   string
	IconURL     string

	VendorCode        string
	VendorName        string
	VendorDescription string
	VendorURL         string

	ConsumerGUID   string
	ConsumerSecret string
}

type cartridgeLink struct {
	XMLName    xml.Name `xml:"cartridge_basiclti_link"`
	XMLNS      string   `xml:"xmlns,attr"`
	XMLNSBLTI  string   `xml:"xmlns:blti,attr"`
	XMLNSLTICM string   `xml:"xmlns:lticm,attr"`
	XMLNSLTICP string   `xml:"xmlns:lticp,attr"`

	Title       string           `xml:"blti:title"`
	Description string           `xml:"blti:description,omitempty"`
	LaunchURL   string           `xml:"blti:launch_url"`
	Icon        string           `xml:"blti:icon,omitempty"`
	Vendor      *cartridgeVendor `xml:"blti:vendor,omitempty"`
	Extensions  *cartridgeExt    `xml:"blti:extensions,omitempty"`
}

type cartridgeVendor struct {
	Code        string `xml:"lticp:code,omitempty"`
	Name        string `xml:"lticp:name,omitempty"`
	Description string `xml:"lticp:description,omitempty"`
	URL         string `xml:"lticp:url,omitempty"`
}

type cartridgeExt struct {
	Platform   string              `xml:"platform,attr"`
	Properties []cartridgeProperty `xml:"lticm:property"`
}

type cartridgeProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// MarshalXML renders the descriptor document, including the per-consumer
// guid/secret extension properties when present.
func (t ToolConfig) MarshalXML() ([]byte, error) {
	doc := cartridgeLink{
		XMLNS:       "http://www.imsglobal.org/xsd/imslticc_v1p0",
		XMLNSBLTI:   "http://www.imsglobal.org/xsd/imsbasiclti_v1p0",
		XMLNSLTICM:  "http://www.imsglobal.org/xsd/imslticm_v1p0",
		XMLNSLTICP:  "http://www.imsglobal.org/xsd/imslticp_v1p0",
		Title:       t.Title,
		Description: t.Description,
		LaunchURL:   t.LaunchURL,
		Icon:        t.IconURL,
	}
	if t.VendorCode != "" || t.VendorName != "" {
		doc.Vendor = &cartridgeVendor{
			Code:        t.VendorCode,
			Name:        t.VendorName,
			Description: t.VendorDescription,
			URL:         t.VendorURL,
		}
	}
	var props []cartridgeProperty
	if t.ConsumerGUID != "" {
		props = append(props, cartridgeProperty{Name: "guid", Value: t.ConsumerGUID})
	}
	if t.ConsumerSecret != "" {
		props = append(props, cartridgeProperty{Name: "secret", Value: t.ConsumerSecret})
	}
	if len(props) > 0 {
		doc.Extensions = &cartridgeExt{Platform: "lti-tool-provider", Properties: props}
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
