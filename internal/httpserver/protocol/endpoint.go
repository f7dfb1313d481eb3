// Package protocol describes how HTTP surfaces plug into the server router.
package protocol

import "net/http"

// EndpointRoute is one method+path registration.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Endpoint groups the routes of one API surface (threads, health, ...).
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
