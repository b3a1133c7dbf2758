// Package pipeline turns one uploaded file into indexed vectors.
//
// Orchestrator.Process runs the whole job for a file: it takes the file's
// processing lease, extracts and chunks the text, embeds the chunks in
// batches, upserts them into the tenant's collection, keeps the full chunk
// text in the metadata store and finally marks the file COMPLETED.
// Re-processing a file replaces its previous points, so redelivered jobs are
// idempotent.
//
// Any failure after the file record is loaded marks the file FAILED with the
// error message and is returned to the queue, which retries everything but
// validation errors.
package pipeline
