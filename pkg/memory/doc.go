// Package memory retrieves and ranks the facts an agent holds about a subject.
//
// Invariants:
// - A fact's weight stays within [0, 1]; every mutation clamps.
// - Pinned facts never rank below unpinned ones.
// - A conversation's tags are always the union of the tags of its attached facts.
// - Attaching facts to a conversation is all-or-nothing.
//
// Usage:
//
//	engine, _ := memory.NewEngine(memory.EngineConfig{Store: store, Embedder: embedder})
//	id, _ := engine.AddFact(ctx, memory.AddFactRequest{Who: "npc:bartender", About: "player:demo", Text: "You paid off my tab."})
//	results, _ := engine.Retrieve(ctx, memory.RetrieveRequest{NPCID: "npc:bartender", PlayerID: "player:demo"})
//	_, _ = id, results
package memory
