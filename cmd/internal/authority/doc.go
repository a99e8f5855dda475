// Package authority is the HTTP client for the ballot authority's REST API.
//
// The authority is an opaque external service. This package owns the wire schema
// (one versioned schema with explicit optional fields), maps it into domain types,
// and classifies every failure into one of four kinds (transient, conflict,
// validation, terminal) so callers can react without inspecting HTTP details.
//
// Two credentials travel through this client and must never meet:
//   - the session bearer token, sent only in the Authorization header;
//   - the anonymous voting token, sent only inside request bodies.
package authority
