package sip

import (
	"strconv"
	"strings"
)

// Address is a parsed From, To or Contact value.
type Address struct {
	Display string
	URI     string
	Tag     string
}

// User returns the user part of a sip/sips URI, or "" when there is none.
func (a Address) User() string {
	uri := a.URI
	if i := strings.IndexByte(uri, ':'); i >= 0 {
		uri = uri[i+1:]
	}
	at := strings.IndexByte(uri, '@')
	if at < 0 {
		return ""
	}
	return uri[:at]
}

// Name is the display name if present, otherwise the URI user part.
func (a Address) Name() string {
	if a.Display != "" {
		return a.Display
	}
	return a.User()
}

// parseAddress decodes name-addr / addr-spec forms:
//
//	"Alice" <sip:alice@atlanta.com>;tag=1928301774
//	Bob <sip:bob@biloxi.com>
//	sip:carol@chicago.com;tag=887s
func parseAddress(value string) (Address, bool) {
	v := strings.TrimSpace(value)
	var addr Address

	if strings.HasPrefix(v, `"`) {
		end := closingQuote(v)
		if end < 0 {
			return Address{}, false
		}
		if s, err := strconv.Unquote(v[:end+1]); err == nil {
			addr.Display = s
		} else {
			addr.Display = v[1:end]
		}
		v = strings.TrimSpace(v[end+1:])
	}

	var params string
	if lt := strings.IndexByte(v, '<'); lt >= 0 {
		gt := strings.IndexByte(v[lt:], '>')
		if gt < 0 {
			return Address{}, false
		}
		if addr.Display == "" {
			addr.Display = strings.TrimSpace(v[:lt])
		}
		addr.URI = strings.TrimSpace(v[lt+1 : lt+gt])
		params = v[lt+gt+1:]
	} else {
		if semi := strings.IndexByte(v, ';'); semi >= 0 {
			addr.URI = strings.TrimSpace(v[:semi])
			params = v[semi:]
		} else {
			addr.URI = v
		}
	}
	if addr.URI == "" {
		return Address{}, false
	}
	addr.Tag = paramValue(params, "tag")
	return addr, true
}

func closingQuote(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i
		}
	}
	return -1
}

// paramValue finds key in a ";k=v;k2=v2" parameter list.
func paramValue(params, key string) string {
	for _, p := range strings.Split(params, ";") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		k, v, _ := strings.Cut(p, "=")
		if strings.EqualFold(strings.TrimSpace(k), key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// viaBranches returns the branch parameter of every via-parm, top first.
// A via-parm without a branch contributes "".
func viaBranches(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			params := ""
			if semi := strings.IndexByte(part, ';'); semi >= 0 {
				params = part[semi:]
			}
			out = append(out, paramValue(params, "branch"))
		}
	}
	return out
}
