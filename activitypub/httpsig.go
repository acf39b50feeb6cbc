package activitypub

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/totegamma/httpsig"
)

// maxClockSkew bounds how far the Date of a signed request may be from now
const maxClockSkew = 12 * time.Hour

var (
	postSignedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}
	getSignedHeaders  = []string{httpsig.RequestTarget, "host", "date"}
)

// KeyResolver returns the PEM encoded public key for a keyId. With refresh
// set it must bypass any cache.
type KeyResolver func(ctx context.Context, keyId string, refresh bool) (string, error)

// Digest returns the Digest header value for body
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// Sign signs an outgoing request carrying body.
// keyId format: "https://blog.example/activitypub/alice/actor#main-key"
func Sign(req *http.Request, body []byte, privateKey *rsa.PrivateKey, keyId string) error {
	req.Header.Set("Digest", Digest(body))
	return signHeaders(req, privateKey, keyId, postSignedHeaders)
}

// SignForGet signs a body-less request such as an actor fetch.
func SignForGet(req *http.Request, privateKey *rsa.PrivateKey, keyId string) error {
	req.Header.Del("Digest")
	return signHeaders(req, privateKey, keyId, getSignedHeaders)
}

func signHeaders(req *http.Request, privateKey *rsa.PrivateKey, keyId string, headers []string) error {
	if privateKey == nil {
		return fmt.Errorf("failed to sign request: no private key")
	}
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	prefs := []httpsig.Algorithm{httpsig.RSA_SHA256}
	signer, _, err := httpsig.NewSigner(prefs, httpsig.DigestSha256, headers, httpsig.Signature, 0)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	// Digest is already set, so the body is not passed again
	return signer.SignRequest(privateKey, keyId, req, nil)
}

// Verify checks the HTTP signature of an incoming request and returns the
// keyId that signed it. Any failure is fatal; there is no soft-fail path.
func Verify(ctx context.Context, req *http.Request, body []byte, resolve KeyResolver) (string, error) {
	header := req.Header.Get("Signature")
	if header == "" {
		if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Signature ") {
			header = strings.TrimPrefix(auth, "Signature ")
		}
	}
	if header == "" {
		return "", ErrSignatureMissing
	}

	params, err := ParseSignatureHeader(header)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	keyId := params["keyid"]
	if keyId == "" || params["signature"] == "" {
		return "", fmt.Errorf("%w: keyId and signature are required", ErrSignatureInvalid)
	}

	if algorithm := strings.ToLower(params["algorithm"]); algorithm != "" && algorithm != "rsa-sha256" && algorithm != "hs2019" {
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrSignatureInvalid, params["algorithm"])
	}

	if digest := req.Header.Get("Digest"); digest != "" && digest != Digest(body) {
		return "", fmt.Errorf("%w: digest mismatch", ErrSignatureInvalid)
	}

	if date := req.Header.Get("Date"); date != "" {
		sent, err := http.ParseTime(date)
		if err != nil {
			return "", fmt.Errorf("%w: bad date %q", ErrSignatureInvalid, date)
		}
		if skew := time.Since(sent); skew > maxClockSkew || skew < -maxClockSkew {
			return "", fmt.Errorf("%w: date %q is outside the accepted window", ErrSignatureInvalid, date)
		}
	}

	signingString, err := buildSigningString(req, params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	signature, err := base64.StdEncoding.DecodeString(params["signature"])
	if err != nil {
		return "", fmt.Errorf("%w: signature is not base64: %v", ErrSignatureInvalid, err)
	}

	publicKeyPem, err := resolve(ctx, keyId, false)
	if err != nil {
		return "", fmt.Errorf("%w: resolving key %s: %w", ErrSignatureInvalid, keyId, err)
	}
	if verifyPem(publicKeyPem, signingString, signature) == nil {
		return keyId, nil
	}

	// the actor may have rotated its key since we cached it
	freshPem, err := resolve(ctx, keyId, true)
	if err == nil && freshPem != publicKeyPem && verifyPem(freshPem, signingString, signature) == nil {
		return keyId, nil
	}

	return "", fmt.Errorf("%w: signature does not match key %s", ErrSignatureInvalid, keyId)
}

func verifyPem(publicKeyPem, signingString string, signature []byte) error {
	publicKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return err
	}
	hash := sha256.Sum256([]byte(signingString))
	return rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, hash[:], signature)
}

// buildSigningString reconstructs the string the sender signed from the
// headers parameter, which defaults to "date".
func buildSigningString(req *http.Request, params map[string]string) (string, error) {
	headers := strings.Fields(strings.ToLower(params["headers"]))
	if len(headers) == 0 {
		headers = []string{"date"}
	}

	lines := make([]string, 0, len(headers))
	for _, h := range headers {
		var value string
		switch h {
		case httpsig.RequestTarget:
			value = strings.ToLower(req.Method) + " " + requestPath(req.URL)
		case "host":
			value = req.Header.Get("Host")
			if value == "" {
				value = req.Host
			}
		case "(created)", "(expires)":
			value = params[strings.Trim(h, "()")]
		default:
			values := req.Header.Values(h)
			if len(values) == 0 {
				return "", fmt.Errorf("signed header %q is missing", h)
			}
			value = strings.Join(values, ", ")
		}
		if value == "" {
			return "", fmt.Errorf("signed header %q is empty", h)
		}
		lines = append(lines, h+": "+value)
	}
	return strings.Join(lines, "\n"), nil
}

func requestPath(u *url.URL) string {
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

// ParseSignatureHeader parses both the comma separated key="value" form and
// the querystring form of a Signature header. Keys are lower-cased.
func ParseSignatureHeader(header string) (map[string]string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, fmt.Errorf("empty signature header")
	}
	if !strings.Contains(header, `="`) && strings.Contains(header, "&") {
		return parseQuerystringSignature(header)
	}
	return parseQuotedSignature(header)
}

func parseQuotedSignature(header string) (map[string]string, error) {
	params := make(map[string]string)
	rest := header
	for rest != "" {
		rest = strings.TrimLeft(rest, " ,")
		if rest == "" {
			break
		}
		eq := strings.IndexByte(rest, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed signature parameter %q", rest)
		}
		key := strings.ToLower(strings.TrimSpace(rest[:eq]))
		rest = rest[eq+1:]

		var value string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated value for %q", key)
			}
			value = rest[1 : end+1]
			rest = rest[end+2:]
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				end = len(rest)
			}
			value = strings.TrimSpace(rest[:end])
			rest = rest[end:]
		}
		params[key] = value
	}
	return params, nil
}

func parseQuerystringSignature(header string) (map[string]string, error) {
	values, err := url.ParseQuery(header)
	if err != nil {
		return nil, fmt.Errorf("malformed signature querystring: %w", err)
	}
	params := make(map[string]string, len(values))
	for key, v := range values {
		if len(v) == 0 {
			continue
		}
		params[strings.ToLower(key)] = strings.Trim(v[0], `"`)
	}
	// an unescaped '+' in base64 decodes as a space
	params["signature"] = strings.ReplaceAll(params["signature"], " ", "+")
	return params, nil
}

// ActorFromKeyId strips the fragment of a keyId.
// "https://example.com/users/alice#main-key" -> "https://example.com/users/alice"
func ActorFromKeyId(keyId string) string {
	return strings.SplitN(keyId, "#", 2)[0]
}

// ParsePrivateKey converts a PKCS#1 or PKCS#8 PEM string to *rsa.PrivateKey
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}
	return key, nil
}

// ParsePublicKey converts a PKIX or PKCS#1 PEM string to *rsa.PublicKey
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse public key: %w", err)
		}
		return key, nil
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPubKey, nil
}
