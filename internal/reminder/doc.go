// Package reminder turns persisted "fire at T" records into timed Telegram
// notifications.
//
// The Scheduler keeps one cancellable timer per pending record (the job
// table), re-reads the record right before sending (freshness check) and
// finalizes the outcome in storage. Records may be created, rescheduled or
// deleted at any moment by the board webapp; the freshness check and the
// store's conditional writes are what keep that safe.
package reminder
