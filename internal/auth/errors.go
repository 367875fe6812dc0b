package auth

import "errors"

var (
	// ErrInvalidCredential is returned for every authentication failure:
	// unknown identity, wrong token, and expired token all look identical
	// to the caller so identities cannot be enumerated.
	ErrInvalidCredential = errors.New("auth: invalid credential")

	// ErrNotFound indicates a store lookup missed.
	ErrNotFound = errors.New("auth: not found")

	// ErrInvalidToken indicates a session token failed validation.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrIdentityCollision indicates an identity is present in both the
	// whitelist and the token store. Treated as a configuration error at
	// load time, never resolved at runtime.
	ErrIdentityCollision = errors.New("auth: identity present in both whitelist and token store")
)
