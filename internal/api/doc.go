// Package api exposes the REST surface for the agent mesh: registering
// agents and model profiles, creating paid intents, driving the intent
// status machine, and reading escrow balances and statistics.
package api
