// Package auth enforces API key authentication for perfmatrix-server.
//
// A Checker built from the server auth config guards the REST API (Require)
// and the gRPC health service (UnaryInterceptor, StreamInterceptor). When the
// mode is not "apikey" or no key is configured, every call passes through,
// which is what local development with auth disabled wants.
package auth
