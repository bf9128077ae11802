// Package harness builds multi-replica sync fixtures for tests.
//
// A fixture is one shared remote store plus any number of replicas. Each
// replica is a complete device: its own local store file, step clock,
// sequence generator, ledger, sync engine and auditor. Replicas never share
// state except through the remote, exactly like tills in separate shops.
//
// # Determinism
//
// Every replica draws row ids from testutil.SequentialIDs prefixed with the
// replica name ("a-0001", "b-0001", ...) and stamps rows from its own
// testutil.StepClock. Two runs of the same test write byte-identical rows,
// so the remote can be compared against golden snapshots:
//
//	r := harness.NewRemote(t)
//	a := harness.NewReplica(t, "a", r)
//	... write through a.Ledger ...
//	a.Sync(t)
//	harness.AssertSnapshot(t, "checkout", r, "orders", "bills")
//
// Snapshots leave out timestamp columns, which depend on how many stamps
// a scenario took; they record whether a row is tombstoned instead.
//
// To regenerate golden files, run:
//
//	go test ./internal/... -update
package harness
