// Package main hosts the recording recovery service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server lists recordings under the configured base directory and runs one recovery job
//     per POST /recover-and-zip/ request, returning the zip archive in the response body.
//   - Job pipeline: internal/recovery.Orchestrator validates the selection, creates an isolated workspace
//     (internal/workspace), stages copies of the sources, runs the external repair tool (internal/repair) and packs
//     the outputs (internal/archive). The workspace is removed on every exit path.
//   - Post-job hooks: finished archives are optionally exported (local filesystem or GCS), announced on Pub/Sub (or
//     the log) and recorded in an audit table (SQLite or Postgres). Hooks never change the HTTP response.
//   - Configuration & plumbing: .env files via godotenv, then Viper with the RECOVER_ prefix; zap for structured
//     logs; Prometheus collectors exported on /metrics.
//
// Operational notes:
//   - Concurrency model: each request runs its own job; per-file mode can run several tool invocations at once
//     (recovery.parallelism). There is no queue.
//   - Crash safety: workspaces hold a file lock while in use, and stale unlocked trees are swept on startup or with
//     `recoverd sweep`.
//   - Shutdown: SIGINT/SIGTERM drains in-flight requests, waits for hooks, then closes external clients.
//
// Quick checklist:
//   - Configure RECOVER_RECORDINGS_BASE_DIR (or BASE_DIR), RECOVER_RECOVERY_BINARY, RECOVER_SERVER_PORT.
//   - Run locally: go run ./cmd/recoverd serve --config config.yaml
//   - One-off recovery: go run ./cmd/recoverd recover a.mcap b.mcap --out ./out
package main
