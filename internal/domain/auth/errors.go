package auth

import "errors"

var (
	ErrAccountSetup = errors.New("could not set up diamond account")
	ErrTokenIssue   = errors.New("could not issue access token")
)
