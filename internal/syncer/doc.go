// Package syncer implements the optimistic-write protocol and the remote
// retry queue.
//
// Overview
//
// Every mutation the UI makes goes through the Orchestrator. A call applies
// its effect to the local store, notifies the change bus, and returns the
// locally generated entity without waiting on the network. The matching
// remote operation is appended to a queue that is persisted next to the
// local cache and drained in the background:
//
//	UI ──▶ Orchestrator ──▶ store.Store (write) ──▶ bus.Bus (notify)
//	                 │
//	                 └──▶ queue (pending_ops) ──▶ remote.Store
//
// Draining
//
// One loop takes up to BatchSize operations from the head of the queue and
// runs them concurrently. A batch never holds two operations for the same
// entity, nor an operation together with the create of its parent thread,
// so operations on one entity reach the remote in the order they were
// made. If any operation in a batch fails, the whole batch goes back to the
// head of the queue, the orchestrator reports itself offline and draining
// stops until the next enqueue or retry tick. Successful batches are spaced
// by BatchYield.
//
// A delete enqueued while the entity's create is still waiting in the queue
// cancels the create, the updates queued after it and the delete itself.
//
// Usage
//
//	orch := syncer.New(st, client, b, syncer.DefaultConfig())
//	if err := orch.Start(ctx, userID); err != nil {
//	    return err
//	}
//	defer orch.Stop()
//
//	thread, err := orch.CreateThread(syncer.ThreadParams{Title: "Ideas"})
package syncer
