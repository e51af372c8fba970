package store

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNoResult is returned by Response.Decode when the call produced no result.
var ErrNoResult = errors.New("store: response has no result")

// Response is the normalized outcome of every call. Errors and Messages are
// nil when empty. Result is nil whenever Errors is set.
type Response struct {
	Result     json.RawMessage
	Errors     []string
	Messages   []string
	StatusCode int
	// Raw marks Result as the literal response body rather than JSON.
	Raw bool
}

// Err returns the server or transport errors as a *ResponseError, or nil.
func (r Response) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return &ResponseError{StatusCode: r.StatusCode, Errors: r.Errors}
}

func (r Response) Decode(v any) error {
	if r.Result == nil {
		return ErrNoResult
	}
	return json.Unmarshal(r.Result, v)
}

// Text returns a raw body as-is and unquotes JSON string results.
func (r Response) Text() string {
	if r.Raw {
		return string(r.Result)
	}
	var s string
	if err := json.Unmarshal(r.Result, &s); err == nil {
		return s
	}
	return string(r.Result)
}

// ResponseError carries the error list of a failed call unchanged.
type ResponseError struct {
	StatusCode int
	Errors     []string
}

func (e *ResponseError) Error() string {
	return strings.Join(e.Errors, "; ")
}

var notFoundText = regexp.MustCompile(`\b(404|Not Found)\b`)

// NotFound reports 404 semantics. The status code decides when there is one;
// the error text is only consulted for failures without an HTTP status.
func (e *ResponseError) NotFound() bool {
	if e.StatusCode != 0 {
		return e.StatusCode == http.StatusNotFound
	}
	for _, msg := range e.Errors {
		if notFoundText.MatchString(msg) {
			return true
		}
	}
	return false
}

func (e *ResponseError) Cancelled() bool {
	return len(e.Errors) == 1 && e.Errors[0] == cancelledMessage
}

// IsNotFound reports whether err is a *ResponseError with 404 semantics.
func IsNotFound(err error) bool {
	var respErr *ResponseError
	return errors.As(err, &respErr) && respErr.NotFound()
}

const cancelledMessage = "cancelled"

func transportFailure(err error) Response {
	return Response{Errors: []string{"failed: " + err.Error()}}
}

func cancelled() Response {
	return Response{Errors: []string{cancelledMessage}}
}

type envelope struct {
	Model    json.RawMessage `json:"model"`
	Errors   []string        `json:"errors"`
	Messages []string        `json:"messages"`
}

func parseResponse(status int, body []byte, raw bool) Response {
	resp := Response{StatusCode: status}
	if raw {
		resp.Raw = true
		resp.Result = append(json.RawMessage{}, body...)
		return resp
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		resp.Errors = []string{err.Error() + ": " + string(body)}
		return resp
	}
	resp.Errors = nonEmpty(env.Errors)
	resp.Messages = nonEmpty(env.Messages)
	if resp.Errors == nil {
		resp.Result = extractResult(env.Model)
	}
	return resp
}

// extractResult returns model.result when present and not null, and the
// whole model otherwise. Falsy values such as 0, false and "" count as present.
func extractResult(model json.RawMessage) json.RawMessage {
	if len(model) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(model)
	if parsed.Type == gjson.Null {
		return nil
	}
	if parsed.IsObject() {
		if result := parsed.Get("result"); result.Exists() && result.Type != gjson.Null {
			return json.RawMessage(result.Raw)
		}
	}
	return model
}

func nonEmpty(list []string) []string {
	if len(list) == 0 {
		return nil
	}
	return list
}
