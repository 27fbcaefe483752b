package api

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	ownerPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,50}$`)
	keyPattern   = regexp.MustCompile(`^[a-zA-Z0-9_.:-]{1,100}$`)
	// printable ASCII plus whitespace
	safeMessage = regexp.MustCompile(`^[\x20-\x7E\t\r\n]*$`)
)

func (s *Server) validateRegistration(req registerReq) error {
	if req.Owner == "" {
		return errors.New("owner is required")
	}
	if strings.TrimSpace(req.Message) == "" {
		return errors.New("message is required")
	}
	if !s.opts.InputValidation {
		return nil
	}
	if !ownerPattern.MatchString(req.Owner) {
		return errors.New("owner may only contain letters, digits, '-' and '_' (max 50)")
	}
	if req.IdempotencyKey != "" && !keyPattern.MatchString(req.IdempotencyKey) {
		return errors.New("idempotency key may only contain letters, digits and '-_.:' (max 100)")
	}
	if n := utf8.RuneCountInString(req.Message); n > s.opts.MaxMessageLength {
		return fmt.Errorf("message too long (max %d characters)", s.opts.MaxMessageLength)
	}
	if !safeMessage.MatchString(req.Message) {
		return errors.New("message contains invalid or potentially unsafe characters")
	}
	return nil
}
