package content

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/w7109066-del/Migers-sub002/internal/models"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
)

const DefaultMaxLength = 4000

var (
	ErrEmpty       = errors.New("message content cannot be empty")
	ErrTooLong     = errors.New("message content is too long")
	ErrUnknownType = errors.New("unknown message type")
	ErrNotImage    = errors.New("content is not an image")
)

var (
	policy        = bluemonday.UGCPolicy()
	markdown      = goldmark.New()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from the input string using a strict policy.
// It is used for sanitizing user inputs like display names and messages.
func Sanitize(input string) string {
	return policy.Sanitize(input)
}

// RenderMarkdown converts markdown source to sanitized HTML.
func RenderMarkdown(source string) (string, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return policy.Sanitize(buf.String()), nil
}

// ValidateImage accepts an http(s) URL or a base64 data URL whose bytes
// are a known image format.
func ValidateImage(value string) error {
	if strings.HasPrefix(value, "data:") {
		meta, encoded, ok := strings.Cut(strings.TrimPrefix(value, "data:"), ",")
		if !ok || !strings.HasSuffix(meta, ";base64") {
			return ErrNotImage
		}
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return ErrNotImage
		}
		if !filetype.IsImage(data) {
			return ErrNotImage
		}
		return nil
	}

	u, err := url.Parse(value)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrNotImage
	}
	return nil
}

// Prepare validates a message body for its type and returns the content to
// store together with its rendered HTML, if any. An empty type means text.
func Prepare(msgType models.MessageType, body string, maxLength int) (models.MessageType, string, string, error) {
	if msgType == "" {
		msgType = models.MessageTypeText
	}
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return msgType, "", "", ErrEmpty
	}

	switch msgType {
	case models.MessageTypeText:
		clean := Sanitize(trimmed)
		if strings.TrimSpace(clean) == "" {
			return msgType, "", "", ErrEmpty
		}
		if utf8.RuneCountInString(clean) > maxLength {
			return msgType, "", "", ErrTooLong
		}
		return msgType, clean, "", nil
	case models.MessageTypeMarkdown:
		if utf8.RuneCountInString(trimmed) > maxLength {
			return msgType, "", "", ErrTooLong
		}
		html, err := RenderMarkdown(trimmed)
		if err != nil {
			return msgType, "", "", err
		}
		return msgType, trimmed, html, nil
	case models.MessageTypeImage:
		if err := ValidateImage(trimmed); err != nil {
			return msgType, "", "", err
		}
		return msgType, trimmed, "", nil
	default:
		// system messages are produced by the server, never accepted from clients
		return msgType, "", "", ErrUnknownType
	}
}

// ValidateUsername accepts display names made of letters, digits, dots,
// dashes and underscores. Usernames are echoed to room members verbatim.
func ValidateUsername(username string) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	if !usernameRegex.MatchString(username) {
		return errors.New("username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)")
	}
	return nil
}
