// Package authserver talks to the remote authentication server, which is
// authoritative on whether a client session is valid.
package authserver

import (
	"errors"
	"strconv"
)

// ErrNoServers is returned when a request is made with no auth server
// configured.
var ErrNoServers = errors.New("no auth server configured")

// Code is the verdict of the auth server for one client.
type Code int

// Wire values of the "Auth: <n>" line.
const (
	Error            Code = -1
	Denied           Code = 0
	Allowed          Code = 1
	Validation       Code = 5
	ValidationFailed Code = 6
)

func (c Code) String() string {
	switch c {
	case Denied:
		return "denied"
	case Allowed:
		return "allowed"
	case Validation:
		return "validation"
	case ValidationFailed:
		return "validation_failed"
	case Error:
		return "error"
	}
	return "code(" + strconv.Itoa(int(c)) + ")"
}

// ParseCode maps a wire value to a Code. Values outside the protocol decode
// as Error and report false.
func ParseCode(n int) (Code, bool) {
	switch c := Code(n); c {
	case Error, Denied, Allowed, Validation, ValidationFailed:
		return c, true
	}
	return Error, false
}

// RequestKind selects the stage of an auth request.
type RequestKind int

const (
	Login RequestKind = iota
	Logout
	Counters
)

// Stage returns the value of the stage query parameter.
func (k RequestKind) Stage() string {
	switch k {
	case Login:
		return "login"
	case Logout:
		return "logout"
	case Counters:
		return "counters"
	}
	return "unknown"
}

func (k RequestKind) String() string { return k.Stage() }

// Response is the auth server's answer to one request.
type Response struct {
	Code    Code
	Message string
	// Server is the name of the server that answered.
	Server string
}
