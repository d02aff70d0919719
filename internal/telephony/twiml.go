package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"net/url"
	"strings"
)

// TwiML builder for the outbound call-control document.
// Only the verbs the relay flow needs are modelled.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlConnect struct {
	XMLName xml.Name          `xml:"Connect"`
	Relay   twimlConversation `xml:"ConversationRelay"`
}

type twimlConversation struct {
	URL      string `xml:"url,attr"`
	Voice    string `xml:"voice,attr,omitempty"`
	Language string `xml:"language,attr,omitempty"`
}

// RelayDocument describes what the carrier should do once the callee answers.
type RelayDocument struct {
	// Greeting, when set, is spoken with <Say> before the relay opens.
	Greeting string

	// RelayURL is the wss:// endpoint of the relay websocket.
	RelayURL string

	Voice    string
	Language string
}

// RenderRelayTwiML renders the call-control document: an optional <Say>
// followed by <Connect><ConversationRelay/></Connect>.
func RenderRelayTwiML(d RelayDocument) (string, error) {
	if strings.TrimSpace(d.RelayURL) == "" {
		return "", errors.New("telephony: relay url required")
	}
	u, err := url.Parse(d.RelayURL)
	if err != nil || (u.Scheme != "wss" && u.Scheme != "ws") || u.Host == "" {
		return "", errors.New("telephony: relay url must be ws:// or wss://")
	}

	var r twimlResponse
	if g := strings.TrimSpace(d.Greeting); g != "" {
		r.Verbs = append(r.Verbs, twimlSay{Voice: d.Voice, Language: d.Language, Text: g})
	}
	r.Verbs = append(r.Verbs, twimlConnect{Relay: twimlConversation{
		URL:      d.RelayURL,
		Voice:    d.Voice,
		Language: d.Language,
	}})

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RelayURL derives the relay websocket URL from the public https base URL.
func RelayURL(publicBaseURL, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(publicBaseURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", errors.New("telephony: public base url must be http(s)")
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
