// Package cmd defines the opportunity-crawler CLI.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, readiness, metrics and job endpoints. A submission is
//     checked against the website registry, recorded as a pending job and pushed onto the bounded work queue.
//     A website with an active job answers with that job instead of creating a second one.
//   - Dispatcher & queues: internal/dispatcher owns the bounded queue and a delay queue for retries. When the
//     queue stays full past queue.submit_timeout the submission is rejected as overloaded. Pending jobs left
//     over from a previous process are re-enqueued on start.
//   - Pipeline: each worker leases a job (pending to running), fetches the website with colly or chromedp,
//     optionally archives the raw page, extracts opportunity records with Gemini, Ollama or the heuristic
//     parser, and replaces the job's records in one batch before marking it completed.
//   - Failures: errors are classified as retryable or not. Retryable failures go back to pending and are
//     re-enqueued after an exponential backoff; the rest, or the last allowed attempt, end in failed. A reaper
//     returns jobs whose lease went stale to the same path.
//   - Plumbing: Viper reads config.yaml and OPPCRAWLER_* env vars (a .env file is loaded first); zap provides
//     structured logs; Prometheus metrics and progress events track every stage; OpenTelemetry spans wrap the
//     pipeline when telemetry.enabled is set.
//
// Quick checklist:
//   - Serve: opportunity-crawler serve --config config.yaml
//   - One-shot: opportunity-crawler scrape 12 15 prints the finished jobs as JSON and exits non-zero when any
//     of them did not complete.
//   - Postgres: set store.backend=postgres and DATABASE_URL; the schema is applied on start unless db.migrate is false.
package cmd
