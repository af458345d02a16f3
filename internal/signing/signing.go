package signing

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"strings"
)

const (
	// DefaultHeader carries the hex signature on signed requests.
	DefaultHeader = "X-Request-Signature"
	// TokenFragmentLen is how many trailing bearer characters are bound into
	// the signing message.
	TokenFragmentLen = 16

	streamChunkSize = 64
)

var ErrEmptySecret = errors.New("signing secret is empty")

// message fields are declared in wire order; reordering them changes every
// signature.
type message struct {
	Body  json.RawMessage `json:"body"`
	Token string          `json:"token"`
}

// Message builds the exact bytes both sides sign. A JSON body is compacted
// and embedded as-is; anything else is embedded as a JSON string. HTML
// characters are not escaped so the output matches browser JSON.stringify.
func Message(body []byte, token string) (string, error) {
	encodedBody, err := encodeBody(body)
	if err != nil {
		return "", err
	}

	var out bytes.Buffer
	encoder := json.NewEncoder(&out)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(message{Body: encodedBody, Token: TokenFragment(token)}); err != nil {
		return "", fmt.Errorf("encode signing message: %w", err)
	}
	return strings.TrimSuffix(out.String(), "\n"), nil
}

func encodeBody(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage("null"), nil
	}
	if json.Valid(trimmed) {
		var compacted bytes.Buffer
		if err := json.Compact(&compacted, trimmed); err != nil {
			return nil, fmt.Errorf("compact request body: %w", err)
		}
		return json.RawMessage(compacted.Bytes()), nil
	}

	var out bytes.Buffer
	encoder := json.NewEncoder(&out)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(string(body)); err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return json.RawMessage(bytes.TrimSuffix(out.Bytes(), []byte("\n"))), nil
}

// TokenFragment returns the trailing characters of a bearer token.
func TokenFragment(token string) string {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	runes := []rune(token)
	if len(runes) <= TokenFragmentLen {
		return token
	}
	return string(runes[len(runes)-TokenFragmentLen:])
}

// Sign returns the hex HMAC-SHA256 of message in one pass.
func Sign(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// StreamSigner computes the same signature as Sign incrementally, for
// callers that produce the message piecewise.
type StreamSigner struct {
	mac hash.Hash
}

func NewStreamSigner(secret string) *StreamSigner {
	return &StreamSigner{mac: hmac.New(sha256.New, []byte(secret))}
}

func (s *StreamSigner) Write(p []byte) (int, error) {
	return s.mac.Write(p)
}

func (s *StreamSigner) Sum() string {
	return hex.EncodeToString(s.mac.Sum(nil))
}

// SignReader feeds r through a StreamSigner in small chunks.
func SignReader(r io.Reader, secret string) (string, error) {
	signer := NewStreamSigner(secret)
	if _, err := io.CopyBuffer(signer, r, make([]byte, streamChunkSize)); err != nil {
		return "", fmt.Errorf("read signing message: %w", err)
	}
	return signer.Sum(), nil
}

// Verify compares signature against the expected value in constant time.
func Verify(message, secret, signature string) bool {
	expected, err := hex.DecodeString(Sign(message, secret))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}

// Signer binds a secret to request bodies and bearer tokens.
type Signer struct {
	secret string
	header string
}

func NewSigner(secret, header string) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	header = strings.TrimSpace(header)
	if header == "" {
		header = DefaultHeader
	}
	return &Signer{secret: secret, header: header}, nil
}

func (s *Signer) Header() string {
	if s == nil || s.header == "" {
		return DefaultHeader
	}
	return s.header
}

// SignRequest returns the signature for body sent with token.
func (s *Signer) SignRequest(body []byte, token string) (string, error) {
	if s == nil {
		return "", ErrEmptySecret
	}
	msg, err := Message(body, token)
	if err != nil {
		return "", err
	}
	return Sign(msg, s.secret), nil
}

// VerifyRequest re-derives the message and checks signature.
func (s *Signer) VerifyRequest(body []byte, token, signature string) bool {
	if s == nil {
		return false
	}
	msg, err := Message(body, token)
	if err != nil {
		return false
	}
	return Verify(msg, s.secret, signature)
}
