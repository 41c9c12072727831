// Package cmd implements the parcelmap command line.
//
// Architecture overview:
//   - resolve: reads a CSV or XLSX sheet of parcel references, resolves every row against the cadastral WFS
//     registry with a bounded worker pool and writes "Mapa_<client>.html" plus its GeoJSON next to it.
//   - serve: exposes the same pipeline over HTTP (internal/api). POST /v1/runs resolves a batch synchronously;
//     GET /v1/runs reads the run history kept in Postgres or, without a DSN, in memory.
//   - Fetch pipeline: one shared Colly fetcher (internal/fetcher/colly) backs the registry client, which retries
//     transport failures per the configured policy. Workers parse the GML and fold each row into a single outcome.
//   - Persistence & fanout: artifacts go to the configured BlobStore (local/memory/GCS). Run summaries go to Postgres
//     when db.dsn is set, and a completion message is published to Pub/Sub when a topic is configured.
//   - Configuration & plumbing: Viper populates config from defaults, an optional YAML file, .env and PARCELMAP_*
//     variables; flags override the result. zap provides structured logging, Prometheus metrics are exported on
//     /metrics, and OpenTelemetry spans go to stdout when telemetry.tracing is on.
//
// Quick checklist:
//   - Run locally: go run . resolve fincas2.xlsx --client "Juan Perez" --concurrency 20
//   - Serve: go run . serve --config config.yaml (listens on server.port, or PORT when set).
package cmd
