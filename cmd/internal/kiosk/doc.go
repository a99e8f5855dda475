// Package kiosk is the HTTP and WebSocket gateway a voting UI drives.
//
// A kiosk session starts at login and owns the voter's authority bearer server-side;
// the UI only ever holds a short-lived PASETO v4.public access token. Each ballot is a
// ballot.Session owned by one kiosk session. The UI dispatches events and observes
// snapshots, either by polling or over the snapshot stream.
package kiosk
