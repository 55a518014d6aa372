// Package stores provides the persistence layer for sshlink. It holds the
// poller journal in SQLite with WAL mode and embedded migrations, so a file
// taken by a poller is not taken again after a restart.
package stores
