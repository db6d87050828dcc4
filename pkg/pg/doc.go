// Package pg bootstraps the PostgreSQL layer: a pgx/v5 connection pool with
// startup retries, goose schema migrations, a health check closure, and
// error helpers shared by the billing stores.
//
// Migrations run from an fs.FS so the SQL files can ship embedded in the
// binary; see internal/db.
package pg
