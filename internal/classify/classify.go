// Package classify maps downstream delivery failures onto the relay's error
// taxonomy. It is the only place that knows the vendor's error codes.
package classify

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"

	"github.com/tjfontaine/conversion-relay/internal/api/capi"
	"github.com/tjfontaine/conversion-relay/internal/core/domain"
)

// Classifier turns a raw delivery error into an ErrorClassification.
// Implementations must be pure.
type Classifier interface {
	Classify(err error) domain.ErrorClassification
}

// GraphClassifier understands capi.GraphError codes, HTTP status errors and
// transport failures.
type GraphClassifier struct{}

// New returns the default classifier.
func New() GraphClassifier {
	return GraphClassifier{}
}

// Classify implements Classifier.
func (GraphClassifier) Classify(err error) domain.ErrorClassification {
	return Classify(err)
}

// Vendor error codes, grouped by outcome.
var (
	authCodes      = map[int]bool{102: true, 190: true, 2500: true}
	rateLimitCodes = map[int]bool{4: true, 17: true, 32: true, 613: true, 80004: true}
	transientCodes = map[int]bool{1: true, 2: true}
	invalidCodes   = map[int]bool{100: true, 803: true}
)

// Classify maps err onto the taxonomy. Anything unrecognized is Unknown and
// retryable.
func Classify(err error) domain.ErrorClassification {
	if err == nil {
		return domain.ErrorClassification{Kind: domain.KindUnknown, Retryable: false, Message: "no error"}
	}

	var graphErr *capi.GraphError
	if errors.As(err, &graphErr) {
		return classifyGraph(graphErr)
	}

	var httpErr *capi.HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.StatusCode, err.Error())
	}

	if isNetwork(err) {
		return domain.ErrorClassification{Kind: domain.KindNetwork, Retryable: true, Message: err.Error()}
	}

	return domain.ErrorClassification{Kind: domain.KindUnknown, Retryable: true, Message: err.Error()}
}

func classifyGraph(e *capi.GraphError) domain.ErrorClassification {
	c := domain.ErrorClassification{Message: e.Message, Code: e.Code, Subcode: e.Subcode}

	switch {
	case authCodes[e.Code]:
		c.Kind = domain.KindAuth
	case e.Code == 10 || (e.Code >= 200 && e.Code <= 299):
		c.Kind = domain.KindPermission
	case rateLimitCodes[e.Code]:
		c.Kind, c.Retryable = domain.KindRateLimit, true
	case transientCodes[e.Code] || e.IsTransient:
		c.Kind, c.Retryable = domain.KindTransient, true
	case invalidCodes[e.Code] || e.Subcode/1000 == 2804:
		c.Kind = domain.KindValidation
	case e.StatusCode != 0:
		fallback := classifyStatus(e.StatusCode, e.Message)
		c.Kind, c.Retryable = fallback.Kind, fallback.Retryable
	default:
		c.Kind, c.Retryable = domain.KindUnknown, true
	}
	return c
}

func classifyStatus(status int, message string) domain.ErrorClassification {
	c := domain.ErrorClassification{Message: message}
	switch {
	case status == http.StatusUnauthorized:
		c.Kind = domain.KindAuth
	case status == http.StatusForbidden:
		c.Kind = domain.KindPermission
	case status == http.StatusTooManyRequests:
		c.Kind, c.Retryable = domain.KindRateLimit, true
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		c.Kind = domain.KindValidation
	case status >= 500:
		c.Kind, c.Retryable = domain.KindTransient, true
	default:
		c.Kind, c.Retryable = domain.KindUnknown, true
	}
	return c
}

func isNetwork(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
