// Package normalize turns adapter responses into canonical reply events and
// folds them into the envelopes sent to callers.
//
// A single-shot reply becomes one event with an optional tool fragment
// followed by the assistant text. A delta stream becomes one event per
// delta, ending with the "[DONE]" sentinel, which the Accumulator never
// writes into assembled content. A dialogue reply becomes one assistant
// event whose bot session handles travel outside the fragment list.
package normalize
