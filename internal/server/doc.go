// Package server hosts the Fiber HTTP service that fronts the image loader.
// It owns the middleware chain (panic recovery, request ids, access logging)
// and leaves endpoint registration to the routes package, so handlers can be
// wired against an explicit loader instance and tested with app.Test.
package server
