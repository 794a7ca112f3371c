// Package session supplies bearer tokens to the chat engine.
//
// A TokenSource hands out the current access token and, when the engine forwards an
// AuthError, rotates the pair through the backend refresh endpoint. Concurrent refreshes
// collapse into one request; a rejected refresh clears the stored pair.
package session
