// Package engine provides the engine registry and the per-engine command queue.
//
// # Overview
//
// Every engine that completes the REGISTER handshake gets a small integer id
// and an Engine record holding its connection, a FIFO queue of commands and a
// controller-side property map. The Registry is the only owner of that state:
//
//   - Register assigns the requested id when free, otherwise the smallest free
//     id. It never fails.
//   - Enqueue appends a Command and returns a future for the engine's Reply.
//     At most one command per engine is in flight; the next one is dispatched
//     when Complete delivers the previous reply.
//   - ClearQueue fails undispatched commands with QueueCleared. The in-flight
//     command cannot be cancelled.
//   - Unregister fails everything the engine holds with InvalidEngineID.
//   - Disconnect fails only the in-flight command with EngineDisconnected and
//     parks the rest of the queue until an engine registers under that id.
//
// # Connections
//
// The registry talks to engines through the Conn interface. Dispatch sends a
// command and returns; the connection reads the reply and hands it to
// Registry.Complete:
//
//	id := reg.Register(conn, nil)
//	fut, err := reg.Enqueue(id, engine.Op{Kind: engine.OpExecute, Script: "a = 1"})
//	...
//	reply, err := fut.Wait(ctx)
package engine
