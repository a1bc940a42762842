// SPDX-License-Identifier: AGPL-3.0-or-later

// Package response writes RFC7807 problem documents for API errors.
package response

import (
	"encoding/json"
	"net/http"
)

// Problem is an RFC7807 error body.
type Problem struct {
	Title  string
	Status int
	Detail string
	Kind   string // stable machine-readable failure kind
}

// Option configures a Problem.
type Option func(*Problem)

// WithDetail sets the human-readable detail string.
func WithDetail(detail string) Option {
	return func(p *Problem) { p.Detail = detail }
}

// WithKind attaches the stable failure kind (see the error taxonomy).
func WithKind(kind string) Option {
	return func(p *Problem) { p.Kind = kind }
}

// New constructs a Problem.
func New(status int, title string, opts ...Option) Problem {
	p := Problem{Status: status, Title: title}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Write serialises the problem with the proper content type.
func Write(w http.ResponseWriter, p Problem) {
	if p.Status == 0 {
		p.Status = http.StatusInternalServerError
	}
	body := map[string]any{
		"title":  p.Title,
		"status": p.Status,
	}
	if p.Detail != "" {
		body["detail"] = p.Detail
	}
	if p.Kind != "" {
		body["kind"] = p.Kind
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(body)
}

// JSON writes a success payload.
func JSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
