// Package contracts provides the wire envelope exchanged between artery services.
//
// Every request, reply and publish travels as an Envelope:
//   - ID: unique per envelope
//   - Route: the canonical routing address it was sent to
//   - CorrelationID: ties a reply to its request
//   - Source: the sending service
//   - Headers: free-form metadata, e.g. change-log indexes
//   - Body: the codec-encoded payload
//   - Error: set instead of a body when a responder's handler failed
package contracts
