// Package messages defines the closed message taxonomy exchanged between
// the control surface, the coordinator, and page workers.
//
// Every inbound frame is a Message whose Type selects exactly one payload
// struct. Validation is a pure function over that tagged union: unknown
// types are rejected, and each variant checks its required fields with
// go-playground/validator tags plus a few custom rules (safeurl, jobid).
// Callers translate a failed validation into an outbound ERROR message
// carrying one of the ErrorCode values declared here.
package messages
