package middleware

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/envelope"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

// jwtAuth validates a Bearer token on the way in. Options: secret (HMAC
// key), issuer and audience (optional claim checks), algorithms
// (accepted signing methods, default HS256).
type jwtAuth struct {
	base
	secret     []byte
	issuer     string
	audience   string
	algorithms []string
}

func newJWTAuth(name string, options map[string]any, _ *config.Config) (Middleware, error) {
	var secret, _ = options["secret"].(string)
	if secret == "" {
		return nil, fmt.Errorf("jwt_auth %q requires a secret option", name)
	}
	var algs []string
	if list, ok := options["algorithms"].([]any); ok {
		for _, a := range list {
			if s, isStr := a.(string); isStr {
				algs = append(algs, s)
			}
		}
	}
	if len(algs) == 0 {
		algs = []string{"HS256"}
	}
	logInstance("jwt_auth", name)
	var issuer, _ = options["issuer"].(string)
	var audience, _ = options["audience"].(string)
	return &jwtAuth{
		base:       base{name: name},
		secret:     []byte(secret),
		issuer:     issuer,
		audience:   audience,
		algorithms: algs,
	}, nil
}

func (a *jwtAuth) Left(req *envelope.JSONRequest) (*envelope.JSONRequest, error) {
	var header = req.RequestDetails.Headers["authorization"]
	if header == "" {
		return nil, fmt.Errorf("missing Authorization header: %w", ErrAuthFailure)
	}
	var token, found = strings.CutPrefix(header, "Bearer ")
	if !found {
		return nil, fmt.Errorf("Authorization header is not a Bearer token: %w", ErrAuthFailure)
	}

	var opts = []jwt.ParserOption{jwt.WithValidMethods(a.algorithms)}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	if a.audience != "" {
		opts = append(opts, jwt.WithAudience(a.audience))
	}

	var parsed, err = jwt.Parse(token, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		log.WithFields(log.Fields{"middleware": a.name, "error": err}).Debug("JWT validation failed")
		return nil, fmt.Errorf("invalid token: %s: %w", err, ErrAuthFailure)
	}
	if sub, subErr := parsed.Claims.GetSubject(); subErr == nil && sub != "" {
		req.SetMeta("auth_subject", sub)
	}
	return req, nil
}

// basicAuth validates a Basic credential against the configured
// username and password.
type basicAuth struct {
	base
	username string
	password string
}

func newBasicAuth(name string, options map[string]any, _ *config.Config) (Middleware, error) {
	var username, _ = options["username"].(string)
	var password, _ = options["password"].(string)
	if username == "" || password == "" {
		return nil, fmt.Errorf("basic_auth %q requires username and password options", name)
	}
	logInstance("basic_auth", name)
	return &basicAuth{base: base{name: name}, username: username, password: password}, nil
}

func (a *basicAuth) Left(req *envelope.JSONRequest) (*envelope.JSONRequest, error) {
	var header = req.RequestDetails.Headers["authorization"]
	if header == "" {
		return nil, fmt.Errorf("missing Authorization header: %w", ErrAuthFailure)
	}
	var encoded, found = strings.CutPrefix(header, "Basic ")
	if !found {
		return nil, fmt.Errorf("Authorization header is not Basic: %w", ErrAuthFailure)
	}
	var decoded, err = base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("malformed Basic credential: %w", ErrAuthFailure)
	}
	var username, password, ok = strings.Cut(string(decoded), ":")
	if !ok ||
		subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) != 1 ||
		subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) != 1 {
		return nil, fmt.Errorf("invalid credentials: %w", ErrAuthFailure)
	}
	return req, nil
}
