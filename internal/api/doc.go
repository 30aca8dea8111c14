// Package api implements the bridge's HTTP status API and WebSocket event
// stream.
//
// This package provides:
//   - REST endpoints for gateway status, live and stored slots, topics,
//     send queues, node health and slot state history
//   - Command and query endpoints that go through the same translation as
//     MQTT commands and requests
//   - A WebSocket hub the bridge broadcasts souliss.state, souliss.topic,
//     souliss.health and souliss.discovery events on
//   - Middleware for request IDs, logging, panic recovery, CORS and body limits
//
// # Routes
//
//	GET  /api/v1/health
//	GET  /api/v1/metrics
//	POST /api/v1/discover
//	GET  /api/v1/gateways
//	GET  /api/v1/gateways/{id}
//	GET  /api/v1/gateways/{id}/slots
//	GET  /api/v1/gateways/{id}/stored
//	DEL  /api/v1/gateways/{id}/stored
//	GET  /api/v1/gateways/{id}/stored/topics
//	GET  /api/v1/gateways/{id}/topics
//	GET  /api/v1/gateways/{id}/queue
//	GET  /api/v1/gateways/{id}/nodes
//	POST /api/v1/gateways/{id}/requests/{kind}
//	GET  /api/v1/gateways/{id}/nodes/{node}/slots/{slot}
//	POST /api/v1/gateways/{id}/nodes/{node}/slots/{slot}/command
//	GET  /api/v1/gateways/{id}/nodes/{node}/slots/{slot}/history
//	GET  /ws?channels=souliss.state,souliss.health
//
// The API is a LAN status surface and has no authentication.
package api
