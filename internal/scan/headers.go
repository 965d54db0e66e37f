package scan

import (
	"net/mail"
	"regexp"
	"strings"

	_ "github.com/emersion/go-message/charset" // non-UTF-8 encoded words
	gomail "github.com/emersion/go-message/mail"
)

var angleBracketRe = regexp.MustCompile(`<([^>]*)>`)

// Sender is a decoded From header.
type Sender struct {
	Name    string
	Address string
}

// ParseSender decodes RFC 2047 words in a From header and returns the first
// mailbox. Unparseable headers fall back to a best-effort address scrape.
func ParseSender(from string) Sender {
	from = strings.TrimSpace(from)
	if from == "" {
		return Sender{}
	}
	var h gomail.Header
	h.Set("From", from)
	addrs, err := h.AddressList("From")
	if err == nil && len(addrs) > 0 {
		return Sender{Name: addrs[0].Name, Address: strings.ToLower(addrs[0].Address)}
	}
	if addr, perr := mail.ParseAddress(from); perr == nil {
		return Sender{Name: addr.Name, Address: strings.ToLower(addr.Address)}
	}
	if m := angleBracketRe.FindStringSubmatch(from); len(m) == 2 {
		return Sender{Address: strings.ToLower(strings.TrimSpace(m[1]))}
	}
	return Sender{Address: strings.ToLower(from)}
}

// DecodeSubject decodes RFC 2047 encoded words; undecodable input is
// returned unchanged.
func DecodeSubject(raw string) string {
	if raw == "" {
		return ""
	}
	var h gomail.Header
	h.Set("Subject", raw)
	subject, err := h.Subject()
	if err != nil {
		return raw
	}
	return subject
}

// DomainOf returns the lowercased domain of an address.
func DomainOf(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	at := strings.LastIndex(address, "@")
	if at == -1 {
		return ""
	}
	return strings.Trim(address[at+1:], ". ")
}

// Unsubscribe describes the List-Unsubscribe targets of a message.
type Unsubscribe struct {
	URL      string `json:"url,omitempty"`
	Mailto   string `json:"mailto,omitempty"`
	OneClick bool   `json:"one_click,omitempty"`
}

// Empty reports whether the message offered no unsubscribe target.
func (u Unsubscribe) Empty() bool {
	return u.URL == "" && u.Mailto == ""
}

// ParseUnsubscribe extracts https and mailto targets from List-Unsubscribe.
// Plain http links are ignored. One-click requires RFC 8058's
// List-Unsubscribe-Post header alongside an https link.
func ParseUnsubscribe(listUnsub, listUnsubPost string) Unsubscribe {
	var out Unsubscribe
	for _, m := range angleBracketRe.FindAllStringSubmatch(listUnsub, -1) {
		target := strings.TrimSpace(m[1])
		lower := strings.ToLower(target)
		switch {
		case strings.HasPrefix(lower, "https://") && out.URL == "":
			out.URL = target
		case strings.HasPrefix(lower, "mailto:") && out.Mailto == "":
			out.Mailto = target
		}
	}
	if out.URL != "" && strings.Contains(strings.ToLower(listUnsubPost), "list-unsubscribe=one-click") {
		out.OneClick = true
	}
	return out
}
