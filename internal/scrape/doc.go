// Package scrape defines the job model, error taxonomy, and collaborator
// interfaces shared by the dispatcher, worker pool, and stores.
package scrape
