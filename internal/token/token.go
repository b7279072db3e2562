// Package token signs display tokens. A token is handed out with every
// "show" decision and lets a later display beacon record that display
// without trusting client-supplied identifiers.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
)

// Attribute limits to prevent token size issues.
const (
	MaxAttributeKeyLength   = 50
	MaxAttributeValueLength = 100
	MaxAttributesCount      = 10
)

// Claims are the values carried by a display token.
type Claims struct {
	DecisionID string
	CampaignID string
	VisitorID  string
	SessionID  string
	Variant    string
	Trigger    string
	DeviceType string
	IssuedAt   time.Time
	// Attributes are free-form storefront values echoed to analytics.
	Attributes map[string]string
}

// payload structure for encoding/decoding
type payload struct {
	DecisionID string            `json:"d"`
	CampaignID string            `json:"c"`
	VisitorID  string            `json:"v"`
	SessionID  string            `json:"s"`
	Variant    string            `json:"va,omitempty"`
	Trigger    string            `json:"tr,omitempty"`
	DeviceType string            `json:"dt,omitempty"`
	TS         int64             `json:"t"`
	Attributes map[string]string `json:"a,omitempty"`
}

// validateAttributes checks attributes against size limits.
func validateAttributes(attrs map[string]string) error {
	if len(attrs) > MaxAttributesCount {
		return fmt.Errorf("too many attributes: %d (max %d)", len(attrs), MaxAttributesCount)
	}
	for key, value := range attrs {
		if key == "" {
			return fmt.Errorf("attribute key cannot be empty")
		}
		if len(key) > MaxAttributeKeyLength {
			return fmt.Errorf("attribute key too long: '%s' (%d chars, max %d)", key, len(key), MaxAttributeKeyLength)
		}
		if len(value) > MaxAttributeValueLength {
			return fmt.Errorf("attribute value too long for key '%s' (%d chars, max %d)", key, len(value), MaxAttributeValueLength)
		}
	}
	return nil
}

// Generate creates a signed token for c. A zero IssuedAt is set to now.
func Generate(c Claims, secret []byte) (string, error) {
	if c.DecisionID == "" || c.CampaignID == "" {
		return "", fmt.Errorf("%w: decision and campaign ids are required", ErrInvalid)
	}
	if err := validateAttributes(c.Attributes); err != nil {
		return "", fmt.Errorf("attribute validation failed: %w", err)
	}
	issued := c.IssuedAt
	if issued.IsZero() {
		issued = time.Now()
	}
	pl := payload{
		DecisionID: c.DecisionID,
		CampaignID: c.CampaignID,
		VisitorID:  c.VisitorID,
		SessionID:  c.SessionID,
		Variant:    c.Variant,
		Trigger:    c.Trigger,
		DeviceType: c.DeviceType,
		TS:         issued.Unix(),
		Attributes: c.Attributes,
	}
	data, err := json.Marshal(pl)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(data) + "." + enc.EncodeToString(sign(data, secret)), nil
}

func sign(data, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify checks the token integrity and expiry against the wall clock.
func Verify(token string, secret []byte, ttl time.Duration) (Claims, error) {
	return VerifyAt(token, secret, ttl, time.Now())
}

// VerifyAt checks the token integrity and expiry as of now. A ttl of zero
// disables the expiry check.
func VerifyAt(token string, secret []byte, ttl time.Duration, now time.Time) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalid
	}
	enc := base64.RawURLEncoding
	data, err := enc.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrInvalid
	}
	sig, err := enc.DecodeString(parts[1])
	if err != nil {
		return Claims{}, ErrInvalid
	}
	if !hmac.Equal(sign(data, secret), sig) {
		return Claims{}, ErrInvalid
	}

	var pl payload
	if err := json.Unmarshal(data, &pl); err != nil {
		return Claims{}, ErrInvalid
	}
	issued := time.Unix(pl.TS, 0)
	if ttl > 0 && now.Sub(issued) > ttl {
		return Claims{}, ErrExpired
	}
	return Claims{
		DecisionID: pl.DecisionID,
		CampaignID: pl.CampaignID,
		VisitorID:  pl.VisitorID,
		SessionID:  pl.SessionID,
		Variant:    pl.Variant,
		Trigger:    pl.Trigger,
		DeviceType: pl.DeviceType,
		IssuedAt:   issued,
		Attributes: pl.Attributes,
	}, nil
}
