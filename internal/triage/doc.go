// Package triage provides the business boundary for herald's issue triage.
// It defines the Pipeline (per-issue state machine, batch fan-out), the
// Engine (LLM analysis with keyword and basic fallbacks), the ContextMemory
// facade over an optional vector backend, the Tracker interface, and the
// domain models shared by the adapters.
package triage
