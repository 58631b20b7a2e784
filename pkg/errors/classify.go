package errors

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"unicode"
)

// statusCoder is implemented by HTTP client errors that carry a response status
type statusCoder interface {
	StatusCode() int
}

// Phrase markers match anywhere in the message. Code markers match only as
// whole tokens, so ports, hosts and paths in the text do not trip them.
var (
	rateLimitMarkers = []string{
		"rate limit", "ratelimit", "rate_limit", "too many requests",
		"quota exceeded", "throttl",
	}
	rateLimitCodes    = []string{"429"}
	connectionMarkers = []string{
		"connection refused", "connection reset", "broken pipe", "timeout",
		"timed out", "no such host", "i/o timeout", "unexpected eof", "unavailable",
		"temporarily",
	}
	connectionCodes   = []string{"502", "503", "504", "eof"}
	authMarkers       = []string{"unauthorized", "forbidden", "authentication failed", "permission denied"}
	authCodes         = []string{"401", "403"}
	validationMarkers = []string{
		"invalid", "validation", "malformed", "bad request", "required field",
	}
	validationCodes = []string{"400"}
	notFoundMarkers = []string{"not found", "no rows"}
	notFoundCodes   = []string{"404"}
	databaseCodes   = []string{"sql", "database", "postgres", "postgresql", "pq", "mysql", "redis", "deadlock"}
)

// Classify maps an arbitrary failure into a ClassifiedError.
//
// A value that already is (or wraps) a ClassifiedError is returned unchanged.
// Typed signals decide first: an HTTP status, caller cancellation, deadline,
// network and driver errors, parse errors. Only an error without one is read
// by its message, in priority order: dependency rate limiting,
// connection/timeout failures, rejected credentials, bad input, missing
// entities, and finally Internal. Classify never panics.
func Classify(err error) (classified *ClassifiedError) {
	if err == nil {
		return nil
	}
	if ce, ok := As(err); ok {
		return ce
	}

	defer func() {
		if r := recover(); r != nil {
			classified = NewInternalError("an unexpected error occurred").
				WithDetail("classifier_panic", fmt.Sprint(r))
		}
	}()

	msg := strings.ToLower(err.Error())
	origin := originOf(err, msg)

	kind, ok := typedKind(err)
	if !ok {
		kind = messageKind(msg)
	}

	switch kind {
	case KindRateLimit:
		return NewUpstreamRateLimitError(origin, "the upstream service is rate limiting requests").
			WithCause(err)
	case kindCancelled:
		return NewCancelledError("execution").WithCause(err)
	case KindExternalService:
		if origin == "database" {
			return NewDatabaseError("the database is temporarily unreachable").WithCause(err)
		}
		return NewExternalServiceError(origin, "an upstream service is temporarily unavailable").
			WithCause(err)
	case KindAuth:
		return NewAuthenticationError("the dependency rejected our credentials").WithCause(err)
	case KindValidation:
		return NewValidationError("the request could not be processed because it is invalid").
			WithCause(err)
	case KindNotFound:
		return NewNotFoundError("requested resource").WithCause(err)
	}

	return NewInternalError("an unexpected error occurred").WithCause(err)
}

// kindCancelled marks caller cancellation while the classifier decides
const kindCancelled Kind = "cancelled"

// typedKind classifies by error type and wrapped sentinels alone
func typedKind(err error) (Kind, bool) {
	if stderrors.Is(err, context.Canceled) {
		return kindCancelled, true
	}

	var sc statusCoder
	if stderrors.As(err, &sc) {
		switch code := sc.StatusCode(); {
		case code == 429:
			return KindRateLimit, true
		case code >= 500:
			return KindExternalService, true
		case code == 401 || code == 403:
			return KindAuth, true
		case code == 404:
			return KindNotFound, true
		case code == 400 || code == 422:
			return KindValidation, true
		}
	}

	if stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, io.EOF) ||
		stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.EPIPE) ||
		stderrors.Is(err, driver.ErrBadConn) ||
		stderrors.Is(err, sql.ErrConnDone) {
		return KindExternalService, true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return KindExternalService, true
	}

	var numErr *strconv.NumError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &numErr) || stderrors.As(err, &syntaxErr) || stderrors.As(err, &typeErr) {
		return KindValidation, true
	}

	if stderrors.Is(err, sql.ErrNoRows) {
		return KindNotFound, true
	}
	return "", false
}

// messageKind classifies by the error text when no typed signal exists
func messageKind(msg string) Kind {
	tokens := tokenize(msg)
	switch {
	case containsAny(msg, rateLimitMarkers) || hasToken(tokens, rateLimitCodes):
		return KindRateLimit
	case containsAny(msg, connectionMarkers) || hasToken(tokens, connectionCodes):
		return KindExternalService
	case containsAny(msg, authMarkers) || hasToken(tokens, authCodes):
		return KindAuth
	case containsAny(msg, validationMarkers) || hasToken(tokens, validationCodes):
		return KindValidation
	case containsAny(msg, notFoundMarkers) || hasToken(tokens, notFoundCodes):
		return KindNotFound
	}
	return KindInternal
}

// originOf guesses which kind of dependency produced the failure. An HTTP
// client error is always external whatever its URL says.
func originOf(err error, msg string) string {
	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, sql.ErrConnDone) ||
		stderrors.Is(err, sql.ErrTxDone) {
		return "database"
	}
	var urlErr *url.Error
	var sc statusCoder
	if stderrors.As(err, &urlErr) || stderrors.As(err, &sc) {
		return "external"
	}
	if hasToken(tokenize(msg), databaseCodes) {
		return "database"
	}
	return "external"
}

// tokenize splits msg on anything that is not a letter or digit
func tokenize(msg string) map[string]struct{} {
	fields := strings.FieldsFunc(msg, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	tokens := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		tokens[f] = struct{}{}
	}
	return tokens
}

func hasToken(tokens map[string]struct{}, codes []string) bool {
	for _, c := range codes {
		if _, ok := tokens[c]; ok {
			return true
		}
	}
	return false
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
