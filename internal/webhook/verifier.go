package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"pushpay-service/internal/model"
)

const (
	HeaderDate          = "X-Ms-Date"
	HeaderHost          = "Host"
	HeaderContentHash   = "X-Ms-Content-Sha256"
	HeaderAuthorization = "Authorization"

	authScheme    = "HMAC-SHA256"
	signedHeaders = "x-ms-date;host;x-ms-content-sha256"

	DefaultTolerance = 300 * time.Second
)

type Reason string

const (
	ReasonMissingHeaders               Reason = "MissingHeaders"
	ReasonContentHashMismatch          Reason = "ContentHashMismatch"
	ReasonSignatureMismatch            Reason = "SignatureMismatch"
	ReasonStaleTimestamp               Reason = "StaleTimestamp"
	ReasonMalformedAuthorizationHeader Reason = "MalformedAuthorizationHeader"
)

// VerificationError is returned for every failed check. All reasons are
// terminal for the request.
type VerificationError struct {
	Reason Reason
	Detail string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("webhook verification failed: %s", e.Reason)
	}
	return fmt.Sprintf("webhook verification failed: %s: %s", e.Reason, e.Detail)
}

func invalid(reason Reason, detail string) error {
	return &VerificationError{Reason: reason, Detail: detail}
}

// ReasonOf extracts the verification reason from err.
func ReasonOf(err error) (Reason, bool) {
	var verr *VerificationError
	if errors.As(err, &verr) {
		return verr.Reason, true
	}
	return "", false
}

// Request is the part of an inbound HTTP request covered by the signature.
type Request struct {
	Header http.Header
	Host   string
	Body   []byte
}

func RequestFromHTTP(r *http.Request, body []byte) Request {
	return Request{Header: r.Header, Host: r.Host, Body: body}
}

func (r Request) host() string {
	if h := r.Header.Get(HeaderHost); h != "" {
		return h
	}
	return r.Host
}

type Verifier struct {
	clock     clockwork.Clock
	tolerance time.Duration
}

func NewVerifier(tolerance time.Duration, clock clockwork.Clock) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Verifier{clock: clock, tolerance: tolerance}
}

// Verify returns nil when req carries a valid, fresh signature made with the
// merchant's shared secret.
func (v *Verifier) Verify(req Request, cred model.Credential) error {
	date := req.Header.Get(HeaderDate)
	host := req.host()
	contentHash := req.Header.Get(HeaderContentHash)
	authorization := req.Header.Get(HeaderAuthorization)

	var missing []string
	if date == "" {
		missing = append(missing, HeaderDate)
	}
	if host == "" {
		missing = append(missing, HeaderHost)
	}
	if contentHash == "" {
		missing = append(missing, HeaderContentHash)
	}
	if authorization == "" {
		missing = append(missing, HeaderAuthorization)
	}
	if len(missing) > 0 {
		return invalid(ReasonMissingHeaders, strings.Join(missing, ","))
	}

	if !hmac.Equal([]byte(ContentHash(req.Body)), []byte(contentHash)) {
		return invalid(ReasonContentHashMismatch, "")
	}

	signature, err := parseAuthorization(authorization)
	if err != nil {
		return err
	}

	expected := Signature(cred.WebhookSecret, date, host, contentHash)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return invalid(ReasonSignatureMismatch, "")
	}

	sent, err := parseDate(date)
	if err != nil {
		return invalid(ReasonStaleTimestamp, "unparsable date")
	}
	delta := v.clock.Now().Sub(sent)
	if delta < 0 {
		delta = -delta
	}
	if delta > v.tolerance {
		return invalid(ReasonStaleTimestamp, fmt.Sprintf("skew %s exceeds %s", delta.Truncate(time.Second), v.tolerance))
	}

	return nil
}

// ContentHash is base64(sha256(body)).
func ContentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// CanonicalString is the signed material: date, host and content hash, each
// followed by a newline.
func CanonicalString(date, host, contentHash string) string {
	return date + "\n" + host + "\n" + contentHash + "\n"
}

func Signature(secret []byte, date, host, contentHash string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(CanonicalString(date, host, contentHash)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Sign builds the headers a sender attaches to body.
func Sign(secret []byte, host string, body []byte, at time.Time) http.Header {
	date := at.UTC().Format(http.TimeFormat)
	hash := ContentHash(body)

	h := make(http.Header)
	h.Set(HeaderDate, date)
	h.Set(HeaderHost, host)
	h.Set(HeaderContentHash, hash)
	h.Set(HeaderAuthorization, fmt.Sprintf("%s SignedHeaders=%s&Signature=%s", authScheme, signedHeaders, Signature(secret, date, host, hash)))
	h.Set("Content-Type", "application/json")
	return h
}

func parseAuthorization(header string) (string, error) {
	scheme, params, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || scheme != authScheme {
		return "", invalid(ReasonMalformedAuthorizationHeader, "unexpected scheme")
	}

	var names, signature string
	for _, part := range strings.Split(strings.TrimSpace(params), "&") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return "", invalid(ReasonMalformedAuthorizationHeader, "parameter without value")
		}
		switch key {
		case "SignedHeaders":
			names = value
		case "Signature":
			signature = value
		}
	}

	if names == "" || signature == "" {
		return "", invalid(ReasonMalformedAuthorizationHeader, "SignedHeaders and Signature are required")
	}
	return signature, nil
}

func parseDate(value string) (time.Time, error) {
	if t, err := http.ParseTime(value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}
