// Package engine reconciles the local store with the remote store.
//
// SYNC MODEL:
//
// Every registered table is synced independently, in foreign-key order:
// push first, then pull. Each (business unit, table) pair has a checkpoint
// row in syncCheckpoints holding lastPushAt and lastPullAt, so units sharing
// one store never move each other's positions. Checkpoints only ever move to a
// timestamp read from a batch that was applied successfully, never to the
// current time, so a failure leaves the table exactly where it was and the
// next run retries the same rows.
//
// Push:
//  1. Read local rows with updatedAt or deletedAt after lastPushAt.
//  2. Upsert them to the remote in one remote transaction.
//  3. Advance lastPushAt to the newest change time in the batch.
//
// Pull (repeated page by page):
//  1. Read remote rows with updated_at >= lastPullAt, ordered by
//     (updated_at, id). Each later page starts after the last row of the
//     previous one.
//  2. In one local transaction, overwrite the local rows by id and advance
//     lastPullAt to the newest updated_at in the page.
//
// The pull lower bound is inclusive so rows sharing the checkpoint's
// timestamp are never skipped. Rows the local table already holds at the
// same updatedAt (the replica's own pushes, boundary rows of an earlier
// run) are left alone, so a run with nothing new pulls nothing.
//
// A remote row is also left alone when its local copy carries a newer edit
// made after lastPushAt, for example one committed while the page was being
// read. That edit has not reached the remote yet; the next push sends it.
//
// CONFLICTS:
//
// Whole-row last-writer-wins. Push never reads the remote row first, and
// pull overwrites every column. Whichever replica syncs a row last decides
// its final state.
//
// ECHOES:
//
// A pulled page is not pushed back: when no row was held back and no local
// row outside the page has changed since lastPushAt, the pull transaction also raises lastPushAt to
// the page's newest timestamp. The store clock observes that timestamp
// before commit, so local edits made afterwards always stamp above it.
//
// FAILURES AND CANCELLATION:
//
// A failing table records lastError on its checkpoint and SyncAll moves on
// to the next table. Context cancellation is only checked between tables:
// a table that has started runs to completion.
package engine
