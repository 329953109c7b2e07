// Package httpmw provides HTTP middleware for the package server.
//
// httpserver.NewHandler composes them outermost first: recover, security
// headers, request ID, client IP, rate limiting, OTel tracing, config
// headers, trace headers, metrics, request logger, then the chi router with
// route annotation and the access log inside it. Query strings and user
// agents are never logged.
package httpmw
