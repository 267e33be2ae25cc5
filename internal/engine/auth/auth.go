package auth

import (
	"fmt"
	"strings"
	"time"

	"taskmarket/internal/credentials"
	"taskmarket/internal/process"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// UnauthenticatedError indicates a missing or unverifiable credential.
type UnauthenticatedError struct {
	Reason string
}

func (e UnauthenticatedError) Error() string {
	return "unauthenticated: " + e.Reason
}

// Caller is the identity behind a ledger call.
type Caller struct {
	Subject  string
	Elevated bool
}

// Verifier accepts either an end-user session or an elevated credential.
type Verifier struct {
	SessionSecret  string
	ElevatedSecret string
	Now            func() time.Time
}

func (v Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

func (v Verifier) Authenticate(token string) (Caller, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Caller{}, UnauthenticatedError{Reason: "credential required"}
	}
	now := v.now()
	if v.ElevatedSecret != "" {
		if cred, err := credentials.VerifyElevated(token, v.ElevatedSecret, now); err == nil {
			return Caller{Subject: cred.Subject, Elevated: true}, nil
		}
	}
	s, err := credentials.VerifySession(token, v.SessionSecret, now)
	if err != nil {
		return Caller{}, UnauthenticatedError{Reason: err.Error()}
	}
	if s.Subject == process.SystemActor {
		return Caller{}, UnauthenticatedError{Reason: "reserved subject"}
	}
	return Caller{Subject: s.Subject}, nil
}

// RequireTransition checks that the caller's credential may perform t in role.
func RequireTransition(c Caller, t process.Transition, role process.Role) error {
	if process.IsPrivileged(t) && !c.Elevated {
		return ForbiddenError{Permission: "elevated:" + string(t)}
	}
	if role == process.RoleSystem && !c.Elevated {
		return ForbiddenError{Permission: "elevated:system"}
	}
	return nil
}
