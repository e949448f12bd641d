package signing

import (
	"encoding/base64"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// sigParams is the dialect-independent view of a presented signature.
type sigParams struct {
	structured bool
	keyID      string
	algorithm  string
	headers    []string
	signature  []byte
	created    int64
}

// headerValue looks a header up by exact key, canonical key, then case-insensitively.
func headerValue(h http.Header, name string) (string, bool) {
	if v, ok := h[name]; ok && len(v) > 0 {
		return strings.Join(v, ", "), true
	}
	if v, ok := h[textproto.CanonicalMIMEHeaderKey(name)]; ok && len(v) > 0 {
		return strings.Join(v, ", "), true
	}
	for k, v := range h {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return strings.Join(v, ", "), true
		}
	}
	return "", false
}

// splitOutside splits s on sep, ignoring separators inside quotes or parentheses.
func splitOutside(s string, sep rune) []string {
	var parts []string
	var b strings.Builder
	quoted, depth := false, 0
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
		case r == '(' && !quoted:
			depth++
		case r == ')' && !quoted && depth > 0:
			depth--
		case r == sep && !quoted && depth == 0:
			parts = append(parts, strings.TrimSpace(b.String()))
			b.Reset()
			continue
		}
		b.WriteRune(r)
	}
	if rest := strings.TrimSpace(b.String()); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

func keyValue(part string) (string, string, bool) {
	k, v, ok := strings.Cut(part, "=")
	if !ok {
		return "", "", false
	}
	return strings.ToLower(strings.TrimSpace(k)), strings.Trim(strings.TrimSpace(v), `"`), true
}

// parseLegacy reads keyId="...",algorithm="...",headers="...",signature="..."
func parseLegacy(value string) (*sigParams, bool) {
	p := &sigParams{}
	var sig string
	for _, part := range splitOutside(value, ',') {
		k, v, ok := keyValue(part)
		if !ok {
			continue
		}
		switch k {
		case "keyid":
			p.keyID = v
		case "algorithm":
			p.algorithm = strings.ToLower(v)
		case "headers":
			p.headers = strings.Fields(strings.ToLower(v))
		case "signature":
			sig = v
		case "created":
			p.created, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if len(p.headers) == 0 {
		p.headers = []string{"date"}
	}
	raw, err := base64.StdEncoding.DecodeString(sig)
	if err != nil || len(raw) == 0 || p.keyID == "" {
		return nil, false
	}
	p.signature = raw
	return p, true
}

// parseStructured reads
//
//	Signature-Input: keyId="..."; alg=hs2019; created=<ts>; sig1=(<names>)
//	Signature: sig1=:<base64>:
func parseStructured(input, signature string) (*sigParams, bool) {
	p := &sigParams{structured: true}
	label := ""
	for _, part := range splitOutside(input, ';') {
		k, v, ok := keyValue(part)
		if !ok {
			continue
		}
		switch k {
		case "keyid":
			p.keyID = v
		case "alg":
			p.algorithm = strings.ToLower(v)
		case "created":
			p.created, _ = strconv.ParseInt(v, 10, 64)
		default:
			if strings.HasPrefix(v, "(") && strings.HasSuffix(v, ")") {
				label = k
				for _, name := range strings.Fields(strings.Trim(v, "()")) {
					p.headers = append(p.headers, strings.ToLower(strings.Trim(name, `"`)))
				}
			}
		}
	}
	if label == "" || p.keyID == "" || len(p.headers) == 0 {
		return nil, false
	}
	for _, part := range splitOutside(signature, ',') {
		k, v, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), label) {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(strings.Trim(strings.TrimSpace(v), ":"))
		if err != nil || len(raw) == 0 {
			return nil, false
		}
		p.signature = raw
		return p, true
	}
	return nil, false
}

// parseParams detects the dialect from the headers present.
func parseParams(h http.Header) (*sigParams, bool) {
	if input, ok := headerValue(h, "Signature-Input"); ok {
		sig, _ := headerValue(h, "Signature")
		return parseStructured(input, sig)
	}
	if sig, ok := headerValue(h, "Signature"); ok {
		return parseLegacy(sig)
	}
	return nil, false
}

// KeyID returns the key id claimed by the request's signature, or "".
func KeyID(h http.Header) string {
	p, ok := parseParams(h)
	if !ok {
		return ""
	}
	return p.keyID
}

// ActorFromKeyID strips the key fragment: https://a/users/b#main-key -> https://a/users/b
func ActorFromKeyID(keyID string) string {
	actor, _, _ := strings.Cut(keyID, "#")
	return actor
}
