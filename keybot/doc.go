// Package keybot implements a Discord bot that couriers claimed beta keys
// from a key-management backend to the users who claimed them.
//
// The bot polls a claims table (and an optional push-style feed) for newly
// claimed keys, announces each claim to a staff channel, DMs the raw key to
// the claimant, and marks the row handled at its source. An in-memory
// ledger keeps a claim from ever being delivered twice within a process,
// and poll cycles never overlap.
//
// Key components of the package include:
//
//   - KeyBot: The main struct that encapsulates the bot's core functionality.
//   - Discord: Handles the gateway session and slash command registration.
//   - ClaimPoller: Drives the claim ingestion loop across both sources.
//   - backendClient / feedClient: Talk to the key-management backend and
//     the secondary claim feed.
//   - API: Provides a small read-only HTTP surface for monitoring.
//
// The bot supports various commands:
//
//   - /activate: Verifies a user's key and activates a plugin for them.
//   - /ticket, /issue: Provision private support ticket channels.
//   - /announce: Sets the staff announcement channel (owner only).
//   - /clear, /clear-dm: Best-effort message cleanup.
//
// Delivery is deliberately best-effort: a missing announce channel, an
// unresolvable Discord identity, or a closed-DM failure never blocks the
// rest of a poll cycle, and every outcome is recorded for visibility.
package keybot
