package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoIdentity is returned when neither the token nor the context identify the driver.
var ErrNoIdentity = errors.New("driver identity unknown")

// Claims is the subset of the bearer token payload the client reads. The
// token is decoded without verifying its signature; only the server can do
// that, so nothing here is trusted beyond routing the register message.
type Claims struct {
	DriverID  string
	Subject   string
	ExpiresAt time.Time
}

// Source tells where a resolved driver identity came from.
type Source string

const (
	SourceClaims  Source = "claims"
	SourceContext Source = "context"
)

var driverIDKeys = []string{"driverId", "driver_id", "userId", "user_id", "id"}

// ParseClaims decodes the payload of a JWT bearer token.
func ParseClaims(token string) (Claims, error) {
	mc := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithJSONNumber())
	if _, _, err := parser.ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("parse claims: %w", err)
	}

	c := Claims{
		DriverID: idClaim(mc, driverIDKeys...),
		Subject:  idClaim(mc, "sub"),
	}
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}

// Expired reports whether the claims carry an expiry that is due within skew of now.
func (c Claims) Expired(now time.Time, skew time.Duration) bool {
	return !c.ExpiresAt.IsZero() && !now.Add(skew).Before(c.ExpiresAt)
}

// DriverID resolves the driver identity for token. It prefers an explicit
// driver id claim, then the subject, then the identity carried by ctx.
func DriverID(ctx context.Context, token string) (string, Source, error) {
	c, err := ParseClaims(token)
	if err == nil {
		if c.DriverID != "" {
			return c.DriverID, SourceClaims, nil
		}
		if c.Subject != "" {
			return c.Subject, SourceClaims, nil
		}
	}
	if id := DriverIDFromContext(ctx); id != "" {
		return id, SourceContext, nil
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrNoIdentity, err)
	}
	return "", "", ErrNoIdentity
}

func idClaim(mc jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		switch v := mc[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}
