// Helpers for tests that need a database, plus small assertion helpers.
package test

import (
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/gavelhq/docket/models/db"
)

var mu sync.Mutex
var conn *sql.DB

// SetUp connects to the test database and returns the shared connection.
// Tests that need the database are skipped when DATABASE_URL is unset.
func SetUp(t testing.TB) *sql.DB {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("set DATABASE_URL to run database tests")
	}
	mu.Lock()
	defer mu.Unlock()
	if conn == nil {
		c, err := db.Default.Connect(10)
		if err != nil {
			t.Fatal(err)
		}
		conn = c
	}
	return conn
}

// TruncateTables deletes all records from the database.
func TruncateTables(t testing.TB) error {
	getTableDelete := func(table string) string {
		return "DELETE FROM " + table
	}
	var name string
	if t == nil {
		name = "TruncateTables"
	} else {
		name = t.Name()
	}
	_, err := conn.Exec(fmt.Sprintf("-- %s\n%s;\n%s;\n%s;\n%s;\n%s",
		name,
		getTableDelete("sync_runs"),
		getTableDelete("sync_jobs"),
		getTableDelete("decisions"),
		getTableDelete("judges"),
		getTableDelete("courts"),
	))
	return err
}

// TearDown deletes all records from the database, and marks the test as failed
// if this was unsuccessful.
func TearDown(t testing.TB) {
	t.Helper()
	mu.Lock()
	defer mu.Unlock()
	if conn != nil {
		if err := TruncateTables(t); err != nil {
			t.Fatal(err)
		}
	}
}

// Assert a boolean
func Assert(t testing.TB, result bool, message string) {
	t.Helper()
	if !result {
		t.Fatal(message)
	}
}

// AssertNotError checks that err is nil
func AssertNotError(t testing.TB, err error, message string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", message, err)
	}
}

// AssertError checks that err is non-nil
func AssertError(t testing.TB, err error, message string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected error but received none", message)
	}
}

// AssertEquals uses the equality operator (==) to compare one and two
func AssertEquals(t testing.TB, one interface{}, two interface{}) {
	t.Helper()
	if one != two {
		t.Fatalf("%#v != %#v", one, two)
	}
}

// AssertDeepEquals uses reflect.DeepEqual to compare one and two
func AssertDeepEquals(t testing.TB, one interface{}, two interface{}) {
	t.Helper()
	if !reflect.DeepEqual(one, two) {
		t.Fatalf("[%+v] !(deep)= [%+v]", one, two)
	}
}

// AssertContains determines whether needle can be found in haystack
func AssertContains(t testing.TB, haystack string, needle string) {
	t.Helper()
	if !strings.Contains(haystack, needle) {
		t.Fatalf("String [%s] does not contain [%s]", haystack, needle)
	}
}
