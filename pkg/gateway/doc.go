// Package gateway is the HTTP and websocket surface of the service.
//
// REST routes create sessions, page history, accept uploads and serve stored
// files. A websocket at /ws binds one live channel to a session; the client
// presents the session id as a query parameter or bearer token and is
// refused with 401 before the upgrade if the session is unknown or expired.
// Inbound frames are validated against a JSON schema; a bad frame yields an
// error event and the channel stays open.
package gateway
