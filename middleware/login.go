package middleware

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/mnehpets/duplexrpc/session"
)

var logger = loggo.GetLogger("duplexrpc.middleware")

// Session variables set on successful authentication.
const (
	VarUser          = "user"
	VarAuthenticated = "authenticated"
	VarToken         = "token"
)

// ErrUnauthenticated is returned by Authenticated checks on anonymous
// sessions.
const ErrUnauthenticated = errors.ConstError("unauthenticated")

// LoginResult is returned to a client that logged in.
type LoginResult struct {
	Subject string    `json:"subject"`
	Session string    `json:"session"`
	Expires time.Time `json:"expires"`
}

// LoginMethod returns a handler for the reserved login method. It opens the
// token with codec and marks the calling session authenticated.
func LoginMethod(codec *TokenCodec) func(ctx context.Context, token string) (LoginResult, error) {
	return func(ctx context.Context, token string) (LoginResult, error) {
		s, ok := session.FromContext(ctx)
		if !ok {
			return LoginResult{}, errors.New("login outside of a session")
		}
		claims, err := authenticate(s, codec, token)
		if err != nil {
			logger.Debugf("session %s: login rejected: %v", s.ID(), err)
			return LoginResult{}, err
		}
		return LoginResult{Subject: claims.Subject, Session: s.ID(), Expires: claims.Expires}, nil
	}
}

// AuthenticateSession returns an onCreate hook that authenticates sessions
// seeded with a bearer token. Sessions without a token stay anonymous; a
// token that does not open fails session creation.
func AuthenticateSession(codec *TokenCodec) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		s, ok := session.FromContext(ctx)
		if !ok {
			return nil
		}
		v, _ := s.GetVar(VarToken)
		token, _ := v.(string)
		if token == "" {
			return nil
		}
		_, err := authenticate(s, codec, token)
		return err
	}
}

func authenticate(s *session.Session, codec *TokenCodec, token string) (Claims, error) {
	claims, err := codec.Open(token)
	if err != nil {
		return Claims{}, errors.Annotate(err, "login")
	}
	s.SetVar(VarUser, claims.Subject)
	s.SetVar(VarAuthenticated, true)
	return claims, nil
}

// Authenticated returns the user of the session running ctx, failing with
// ErrUnauthenticated when it has not logged in.
func Authenticated(ctx context.Context) (string, error) {
	s, ok := session.FromContext(ctx)
	if !ok {
		return "", errors.Trace(ErrUnauthenticated)
	}
	if v, _ := s.GetVar(VarAuthenticated); v != true {
		return "", errors.Trace(ErrUnauthenticated)
	}
	user, _ := s.GetVar(VarUser)
	name, _ := user.(string)
	return name, nil
}
