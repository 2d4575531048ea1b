// Package contracts provides the core wire types for the kinebus messaging layer.
//
// This package defines the structures that cross the broker boundary:
//   - Envelope: Serializable business-event wrapper around an opaque payload
//   - ConsumeContext: Read-only view of a received message plus delivery metadata
//   - BatchConsumeContext: Ordered batch of consume contexts with per-item outcomes
//   - Response: Terminal-state result of a request/response exchange
//
// The envelope carries its own redelivery counter as a typed field so that
// retry state survives the republish path without untyped header lookups.
package contracts
