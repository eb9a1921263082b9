// Package store persists schedule entries and execution history in sqlite.
//
// It is the only durable state the engine owns and the only resource both
// the evaluator and the API layer mutate. The fire paths (Fire, FireSignal)
// advance the schedule and append the resulting execution in one
// transaction, so a crash between "marked as fired" and "execution
// recorded" can neither lose a fire nor double it.
package store
