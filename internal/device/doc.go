// Package device persists what the Souliss bridge learns about the nodes
// behind each gateway.
//
// The bridge discovers topology at runtime: typical codes arrive in
// database structure answers and slot state arrives in subscription
// pushes. SQLiteRepository stores both so a restarted bridge can publish
// last-known state before the gateway answers again, and so the status
// API can show slots, node health and action message topics.
//
// # Tables
//
//   - souliss_slots: typical, raw state bytes and decoded state per slot
//   - souliss_node_health: last health byte per node
//   - souliss_topics: last value per action message topic and variant
//   - souliss_state_history: append-only decoded state snapshots
//
// Changing a slot's typical clears its stored state; history rows keep the
// typical they were decoded for.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db)
//	bridge := souliss.NewBridge(souliss.BridgeOptions{Store: repo, ...})
//
//	history := device.NewSQLiteStateHistoryRepository(db)
//	entries, _ := history.GetHistory(ctx, device.SlotKey{GatewayID: "hall", Node: 1, Slot: 0}, 20)
//
// Both repositories are safe for concurrent use; *sql.DB serialises access.
package device
