package handler

import (
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/goevery/chatrelay/internal/ierr"
)

const MaxMessageBodyLength = 2000

type UsernameValidator struct {
	usernameRegex *regexp.Regexp
}

func NewUsernameValidator() *UsernameValidator {
	return &UsernameValidator{
		usernameRegex: regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`),
	}
}

func (v *UsernameValidator) Validate(username string) error {
	valid := v.usernameRegex.MatchString(username)
	if !valid {
		return ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("invalid username"))
	}

	return nil
}

// NormalizeMessageBody trims the body and rejects empty or oversized ones.
func NormalizeMessageBody(body string) (string, error) {
	trimmed := strings.TrimSpace(body)

	if trimmed == "" {
		return "", ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("message body cannot be empty"))
	}

	if utf8.RuneCountInString(trimmed) > MaxMessageBodyLength {
		return "", ierr.New(ierr.ErrorCodeInvalidArgument, errors.New("message body is too long"))
	}

	return trimmed, nil
}
