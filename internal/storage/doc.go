// Package storage persists reminder records.
//
// The reminders table is shared with the board webapp: its CRUD routes
// insert and delete rows directly, this process schedules and finalizes
// them. Every mutation here is conditioned on the row still being unsent
// so concurrent writers cannot resurrect a delivered reminder.
package storage
