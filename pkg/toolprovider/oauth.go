package toolprovider

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OAuth 1.0a (RFC 5849), HMAC-SHA1 only. Consumers sign launch requests and
// the engine signs its outbound extension-service calls the same way.

const (
	oauthVersion         = "1.0"
	oauthSignatureMethod = "HMAC-SHA1"

	// Maximum allowed clock skew on oauth_timestamp.
	timestampSkew = 5 * time.Minute
)

// percentEncode applies the RFC 3986 unreserved-set encoding RFC 5849
// requires; url.QueryEscape is close but encodes space as '+'.
func percentEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// baseURI strips the query and fragment and lowercases scheme/host.
func baseURI(rawurl string) string {
	u, err := url.Parse(rawurl)
	if err != nil {
		return rawurl
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

// signatureBaseString builds METHOD&enc(uri)&enc(normalized params). Query
// parameters from the URL are folded in; oauth_signature is excluded.
func signatureBaseString(method, rawurl string, params url.Values) string {
	all := url.Values{}
	if u, err := url.Parse(rawurl); err == nil {
		for k, vs := range u.Query() {
			for _, v := range vs {
				all.Add(k, v)
			}
		}
	}
	for k, vs := range params {
		if k == "oauth_signature" {
			continue
		}
		for _, v := range vs {
			all.Add(k, v)
		}
	}

	pairs := make([]string, 0, len(all))
	for k, vs := range all {
		ek := percentEncode(k)
		for _, v := range vs {
			pairs = append(pairs, ek+"="+percentEncode(v))
		}
	}
	sort.Strings(pairs)

	return strings.ToUpper(method) + "&" + percentEncode(baseURI(rawurl)) + "&" +
		percentEncode(strings.Join(pairs, "&"))
}

func hmacSHA1(base, consumerSecret string) string {
	// No token credentials in LTI 1.x; the key ends with a bare '&'.
	mac := hmac.New(sha1.New, []byte(percentEncode(consumerSecret)+"&"))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// bodyHash is the base64 SHA1 digest carried as oauth_body_hash when signing
// a non-form request body.
func bodyHash(body []byte) string {
	sum := sha1.Sum(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// verifySignature checks the HMAC-SHA1 signature and timestamp of an inbound
// request and enforces nonce uniqueness through the store. Params must hold
// every POSTed field plus the oauth_* parameters.
func verifySignature(ctx context.Context, nonces NonceStore, method, rawurl string, params url.Values, c *Consumer, now time.Time) *Error {
	for _, required := range []string{"oauth_consumer_key", "oauth_signature", "oauth_signature_method", "oauth_timestamp", "oauth_nonce"} {
		if params.Get(required) == "" {
			return failf(KindSignatureInvalid, "missing %s", required)
		}
	}
	if m := params.Get("oauth_signature_method"); m != oauthSignatureMethod {
		return failf(KindSignatureInvalid, "unsupported signature method %s", m)
	}

	ts, err := strconv.ParseInt(params.Get("oauth_timestamp"), 10, 64)
	if err != nil {
		return failf(KindSignatureInvalid, "invalid shared secret or timestamp")
	}
	sent := time.Unix(ts, 0)
	if sent.Before(now.Add(-timestampSkew)) || sent.After(now.Add(timestampSkew)) {
		return failf(KindSignatureInvalid, "invalid shared secret or timestamp")
	}

	expected := hmacSHA1(signatureBaseString(method, rawurl, params), c.Secret)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(params.Get("oauth_signature"))) != 1 {
		return failf(KindSignatureInvalid, "invalid shared secret or timestamp")
	}

	ok, err := nonces.InsertNonce(ctx, c.Key, params.Get("oauth_nonce"), now.Add(NonceLifetime))
	if err != nil {
		return failf(KindStorage, "nonce store: %v", err)
	}
	if !ok {
		return failf(KindSignatureInvalid, "nonce already used")
	}
	return nil
}

// signParams adds the standard oauth_* parameters and a signature covering
// params plus any query string on rawurl. Used for the legacy URL-encoded
// extension protocol.
func signParams(method, rawurl string, params url.Values, key, secret string, now time.Time) url.Values {
	params.Set("oauth_consumer_key", key)
	params.Set("oauth_nonce", uuid.NewString())
	params.Set("oauth_timestamp", strconv.FormatInt(now.Unix(), 10))
	params.Set("oauth_signature_method", oauthSignatureMethod)
	params.Set("oauth_version", oauthVersion)
	params.Del("oauth_signature")
	params.Set("oauth_signature", hmacSHA1(signatureBaseString(method, rawurl, params), secret))
	return params
}

// signBody produces an OAuth Authorization header for a raw request body,
// carrying its SHA1 digest as oauth_body_hash. Used for the LTI 1.1 XML
// protocol, where individual body fields are not signed.
func signBody(method, rawurl string, body []byte, key, secret string, now time.Time) string {
	params := url.Values{}
	params.Set("oauth_consumer_key", key)
	params.Set("oauth_nonce", uuid.NewString())
	params.Set("oauth_timestamp", strconv.FormatInt(now.Unix(), 10))
	params.Set("oauth_signature_method", oauthSignatureMethod)
	params.Set("oauth_version", oauthVersion)
	params.Set("oauth_body_hash", bodyHash(body))
	params.Set("oauth_signature", hmacSHA1(signatureBaseString(method, rawurl, params), secret))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, percentEncode(params.Get(k))))
	}
	return "OAuth " + strings.Join(parts, ",")
}
