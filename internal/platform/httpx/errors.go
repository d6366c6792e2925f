// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
)

// ErrorMapping binds a sentinel error to a problem status and title.
type ErrorMapping struct {
	Target error
	Status int
	Title  string
}

// fieldError is implemented by validation errors that name an input field.
type fieldError interface {
	FieldName() string
}

// RespondError maps err to an RFC7807 response using the first matching
// mapping. Unmatched errors become an opaque 500.
func RespondError(w http.ResponseWriter, err error, mappings ...ErrorMapping) {
	for _, m := range mappings {
		if !errors.Is(err, m.Target) {
			continue
		}
		problem := ProblemDetail{Title: m.Title, Status: m.Status, Detail: err.Error()}
		var fe fieldError
		if errors.As(err, &fe) {
			problem.Field = fe.FieldName()
		}
		WriteProblem(w, problem)
		return
	}
	Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
