// Package store provides SQLite-based persistence for the attestation engine.
//
// The store manages the engine's entities:
//
//   - Devices, with their replacement links and policy bindings
//   - Policies, template or concrete
//   - Appraisals, append-only per device
//   - Changes, the append-only audit trail of devices and policies
//   - The credential issuer key, sealed with AES-256-GCM
//
// Device/policy bindings and replacement links are stored once, in join
// tables, and both directions are derived from the same row. They cannot
// disagree.
//
// # Usage
//
// Open a store with [Open] and run every read or write inside a unit of work:
//
//	db, err := store.Open("verdict.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	err = db.Update(ctx, func(tx *store.Tx) error {
//	    dev, err := tx.GetDevice(id)
//	    ...
//	    return tx.SaveDevice(dev)
//	})
//
// # Thread Safety
//
// The store is safe for concurrent use. The pool holds a single connection
// so transactions are serialized.
package store
