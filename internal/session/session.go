// Package session manages WebSocket connection sessions. It handles session
// creation, lookup, expiration, and storage of ephemeral session state backed
// by Redis, so any server instance can tell which user a session belongs to.
package session
