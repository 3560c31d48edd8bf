// Package harvest implements the incremental harvest loop shared by every
// source: fetch a page at the current checkpoint, extract candidate records,
// keep the accepted ones, and commit them together with the advanced
// checkpoint.
//
// A step retries failed attempts with the next client identity after a fixed
// delay. Once the plain retries are spent it moves the Until boundary back by
// one jump step, drops the cursor and tries once more. If that fails too the
// step fails and Run returns ErrEscalationExhausted with the last committed
// checkpoint still in the store.
//
// The boundary only ever moves backward: after a commit it is the minimum of
// the previous boundary and the oldest record seen in the step.
package harvest
