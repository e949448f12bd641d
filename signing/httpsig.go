// Package signing builds and verifies HTTP message signatures for
// ActivityPub requests.
//
// Two header dialects are understood. The legacy dialect carries everything
// in a single Signature header:
//
//	Signature: keyId="https://a.example/users/alice#main-key",algorithm="rsa-sha256",headers="(request-target) host date digest content-type content-length",signature="..."
//
// The structured dialect splits parameters and value:
//
//	Signature-Input: keyId="https://a.example/users/alice#main-key"; alg=hs2019; created=1700000000; sig1=(@request-target host @created digest content-type content-length)
//	Signature: sig1=:...:
//
// Both are normalised into one ordered list of (name, value) pairs before the
// signing string is built, so the RSA code only ever sees one shape.
package signing

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Dialect selects the signature header format.
type Dialect int

const (
	Legacy Dialect = iota
	Structured
)

// ParseDialect maps a config value to a Dialect; anything unknown is Legacy.
func ParseDialect(s string) Dialect {
	if strings.EqualFold(s, "structured") {
		return Structured
	}
	return Legacy
}

// DigestAlgorithm is the body digest prefix used in the Digest header.
type DigestAlgorithm string

const (
	SHA256 DigestAlgorithm = "SHA-256"
	SHA512 DigestAlgorithm = "SHA-512"
)

// ParseDigestAlgorithm maps sha512/SHA-512 to SHA512 and everything else to SHA256.
func ParseDigestAlgorithm(s string) DigestAlgorithm {
	switch strings.ToUpper(strings.ReplaceAll(s, "-", "")) {
	case "SHA512":
		return SHA512
	default:
		return SHA256
	}
}

func (d DigestAlgorithm) hash() crypto.Hash {
	if d == SHA512 {
		return crypto.SHA512
	}
	return crypto.SHA256
}

// DefaultTolerance is how old a signature's timestamp may be.
const DefaultTolerance = 12 * time.Hour

const activityJSON = "application/activity+json"

var ErrNoKey = errors.New("no signing key")

// Request is the part of an HTTP request covered by a signature.
// A nil Body signs the GET header set.
type Request struct {
	Method      string
	Path        string
	Host        string
	Body        []byte
	ContentType string
	Accept      string
}

// Options tune Sign. The zero value signs legacy rsa-sha256 at time.Now.
type Options struct {
	Dialect Dialect
	Digest  DigestAlgorithm
	Now     time.Time
}

// VerifyOptions tune Verify. Zero values mean time.Now and DefaultTolerance.
type VerifyOptions struct {
	Now       time.Time
	Tolerance time.Duration
}

// Digest returns "<ALG>=<base64 hash of body>".
func Digest(body []byte, alg DigestAlgorithm) string {
	if alg == SHA512 {
		sum := sha512.Sum512(body)
		return string(SHA512) + "=" + base64.StdEncoding.EncodeToString(sum[:])
	}
	sum := sha256.Sum256(body)
	return string(SHA256) + "=" + base64.StdEncoding.EncodeToString(sum[:])
}

type field struct {
	name  string
	value string
}

// signingString joins "name: value" lines in order, without a trailing newline.
func signingString(fields []field) string {
	lines := make([]string, len(fields))
	for i, f := range fields {
		lines[i] = f.name + ": " + f.value
	}
	return strings.Join(lines, "\n")
}

func requestTarget(method, path string) string {
	if path == "" {
		path = "/"
	}
	return strings.ToLower(method) + " " + path
}

func hashBytes(h crypto.Hash, data string) []byte {
	hasher := h.New()
	hasher.Write([]byte(data))
	return hasher.Sum(nil)
}

// Sign returns the headers to attach to the request: Host, Date, the digest
// and content headers (or Accept for a GET) and the signature header(s).
func Sign(r Request, key *rsa.PrivateKey, actorID string, opts Options) (http.Header, error) {
	if key == nil {
		return nil, ErrNoKey
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	digestAlg := opts.Digest
	if digestAlg == "" || r.Body == nil {
		digestAlg = SHA256
	}

	h := http.Header{}
	h.Set("Host", r.Host)
	h.Set("Date", now.UTC().Format(http.TimeFormat))
	created := strconv.FormatInt(now.Unix(), 10)

	target, dateName := "(request-target)", "date"
	if opts.Dialect == Structured {
		target, dateName = "@request-target", "@created"
	}
	dateValue := h.Get("Date")
	if opts.Dialect == Structured {
		dateValue = created
	}

	fields := []field{
		{target, requestTarget(r.Method, r.Path)},
		{"host", r.Host},
		{dateName, dateValue},
	}
	if r.Body != nil {
		contentType := r.ContentType
		if contentType == "" {
			contentType = activityJSON
		}
		digest := Digest(r.Body, digestAlg)
		length := strconv.Itoa(len(r.Body))
		h.Set("Digest", digest)
		h.Set("Content-Type", contentType)
		h.Set("Content-Length", length)
		fields = append(fields,
			field{"digest", digest},
			field{"content-type", contentType},
			field{"content-length", length},
		)
	} else {
		accept := r.Accept
		if accept == "" {
			accept = activityJSON
		}
		h.Set("Accept", accept)
		fields = append(fields, field{"accept", accept})
	}

	hash := digestAlg.hash()
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, hash, hashBytes(hash, signingString(fields)))
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(sig)

	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}
	keyID := actorID
	if !strings.Contains(keyID, "#") {
		keyID += "#main-key"
	}

	if opts.Dialect == Structured {
		h.Set("Signature-Input", fmt.Sprintf(`keyId="%s"; alg=hs2019; created=%s; sig1=(%s)`,
			keyID, created, strings.Join(names, " ")))
		h.Set("Signature", "sig1=:"+encoded+":")
		return h, nil
	}

	algorithm := "rsa-sha256"
	if digestAlg == SHA512 {
		algorithm = "rsa-sha512"
	}
	h.Set("Signature", fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		keyID, algorithm, strings.Join(names, " "), encoded))
	return h, nil
}

// hashForAlgorithm picks the hash for a signature algorithm name. Unknown
// names fall back to SHA-256. hs2019 does not name a hash, so the presented
// Digest algorithm decides.
func hashForAlgorithm(alg string, h http.Header) crypto.Hash {
	switch alg {
	case "rsa-sha512", "rsa-pss-sha512":
		return crypto.SHA512
	case "hs2019":
		if d, ok := headerValue(h, "digest"); ok && strings.HasPrefix(strings.ToUpper(d), string(SHA512)+"=") {
			return crypto.SHA512
		}
		return crypto.SHA256
	default:
		return crypto.SHA256
	}
}

func fresh(t, now time.Time, tolerance time.Duration) bool {
	return !t.Before(now.Add(-tolerance)) && !t.After(now)
}

// Verify checks the signature on a request against pub. The signing string
// is rebuilt from the given method, path and headers; the digest is
// recomputed from body. It never returns an error: any parse, freshness or
// cryptographic failure is false.
func Verify(method, path string, headers http.Header, body []byte, pub *rsa.PublicKey, opts VerifyOptions) bool {
	if pub == nil {
		log.Debug().Msg("signature: no public key")
		return false
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	tolerance := opts.Tolerance
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}

	p, ok := parseParams(headers)
	if !ok {
		log.Debug().Msg("signature: missing or unparseable signature header")
		return false
	}

	timestamped := false
	fields := make([]field, 0, len(p.headers))
	for _, name := range p.headers {
		switch name {
		case "(request-target)", "@request-target":
			fields = append(fields, field{name, requestTarget(method, path)})
		case "@created", "(created)":
			if p.created == 0 || !fresh(time.Unix(p.created, 0), now, tolerance) {
				log.Debug().Int64("created", p.created).Msg("signature: stale or missing created")
				return false
			}
			timestamped = true
			fields = append(fields, field{name, strconv.FormatInt(p.created, 10)})
		case "digest":
			presented, _ := headerValue(headers, "digest")
			if body == nil {
				if presented == "" {
					log.Debug().Msg("signature: digest signed but absent")
					return false
				}
				fields = append(fields, field{name, presented})
				continue
			}
			prefix, presentedSum, _ := strings.Cut(presented, "=")
			if prefix == "" {
				prefix = string(SHA256)
			}
			recomputed := Digest(body, ParseDigestAlgorithm(prefix))
			_, recomputedSum, _ := strings.Cut(recomputed, "=")
			if presented != "" && presentedSum != recomputedSum {
				log.Debug().Msg("signature: digest does not match body")
				return false
			}
			fields = append(fields, field{name, prefix + "=" + recomputedSum})
		case "date":
			v, ok := headerValue(headers, "date")
			if !ok {
				log.Debug().Msg("signature: date signed but absent")
				return false
			}
			t, err := http.ParseTime(v)
			if err != nil || !fresh(t, now, tolerance) {
				log.Debug().Str("date", v).Msg("signature: stale or invalid date")
				return false
			}
			timestamped = true
			fields = append(fields, field{name, v})
		default:
			v, ok := headerValue(headers, name)
			if !ok {
				log.Debug().Str("header", name).Msg("signature: signed header absent")
				return false
			}
			fields = append(fields, field{name, v})
		}
	}
	if !timestamped {
		log.Debug().Msg("signature: no timestamp covered")
		return false
	}

	hash := hashForAlgorithm(p.algorithm, headers)
	hashed := hashBytes(hash, signingString(fields))
	if err := rsa.VerifyPKCS1v15(pub, hash, hashed, p.signature); err == nil {
		return true
	}
	if p.algorithm == "rsa-pss-sha512" {
		if err := rsa.VerifyPSS(pub, hash, hashed, p.signature, nil); err == nil {
			return true
		}
	}
	log.Debug().Str("keyId", p.keyID).Msg("signature: verification failed")
	return false
}

// VerifyRequest verifies a server-side request. Go moves Host out of the
// header map, so it is restored before checking.
func VerifyRequest(r *http.Request, body []byte, pub *rsa.PublicKey, opts VerifyOptions) bool {
	headers := r.Header.Clone()
	if _, ok := headerValue(headers, "host"); !ok {
		headers.Set("Host", r.Host)
	}
	return Verify(r.Method, r.URL.RequestURI(), headers, body, pub, opts)
}
