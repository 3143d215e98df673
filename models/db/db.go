// Logic for connecting to the database.
//
// Connections are handed back to the caller; nothing in this package holds
// onto a *sql.DB, so independent invocations (and tests) can each carry
// their own handle.
package db

import (
	"database/sql"
	"errors"
	"os"

	_ "github.com/lib/pq"
)

// Connector establishes a connection to a Postgres database with the given
// number of connections.
type Connector interface {
	Connect(dbConns int) (*sql.DB, error)
}

// Default connects to the database using the DATABASE_URL environment
// variable.
var Default Connector = &DatabaseURLConnector{}

// DatabaseURLConnector connects to the database using the DATABASE_URL
// environment variable.
type DatabaseURLConnector struct{}

// Connect to the database with the given number of database connections, and
// return the handle.
func (dc *DatabaseURLConnector) Connect(dbConns int) (*sql.DB, error) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return nil, errors.New("db: No value provided for DATABASE_URL, cannot connect")
	}
	conn, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(dbConns)
	if dbConns > 100 {
		conn.SetMaxIdleConns(dbConns - 20)
	} else if dbConns > 50 {
		conn.SetMaxIdleConns(dbConns - 10)
	} else if dbConns > 10 {
		conn.SetMaxIdleConns(dbConns - 3)
	} else if dbConns > 5 {
		conn.SetMaxIdleConns(dbConns - 2)
	}
	if err := conn.Ping(); err != nil {
		return nil, errors.New("db: Could not establish a database connection: " + err.Error())
	}
	return conn, nil
}
