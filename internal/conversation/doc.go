// Package conversation runs caller turns and owns every history write.
//
// A turn is routed to exactly one backend adapter: the dialogue bot when the
// tenant configures a bot endpoint, grounded search when search service,
// index and key are all set, and plain completion otherwise. The adapter's
// typed response is normalized into events and folded into growing reply
// snapshots that the HTTP layer forwards as they arrive.
//
// History is addressed by tenant and user on every call. Generate stores the
// caller's message before the turn runs; the assistant reply is stored by
// Update, or at the end of the turn when reply persistence is enabled.
// Identical reply writes inside the replay window are suppressed.
//
// Errors are typed so the route boundary can pick a status:
// ConfigurationError (400), NotFoundError (404), BackendError and
// StoreError (500), and PartialDeletionError for bulk deletes.
package conversation
