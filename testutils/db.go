package testutils

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
)

func createLocalDB(dbName string) error {
	fmt.Println("Note: postgres tests require a postgres install accessible to the current user")
	dropDB := exec.Command("dropdb", "--if-exists", "-f", dbName)
	dropDB.Stdout = os.Stdout
	dropDB.Stderr = os.Stderr
	dropDB.Run()
	createDB := exec.Command("createdb", dbName)
	createDB.Stdout = os.Stdout
	createDB.Stderr = os.Stderr
	return createDB.Run()
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return ""
	}
	return u.Username
}

// PrepareDBConnectionString returns a connection string for a throwaway postgres database, or ""
// when no postgres is available. Callers skip their postgres tests in that case.
func PrepareDBConnectionString(wantDBName string) (connStr string) {
	// Required vars: user and db
	// We'll try to infer from the local env if they are missing
	pgUser := os.Getenv("POSTGRES_USER")
	if pgUser == "" {
		pgUser = currentUser()
	}
	dbName := os.Getenv("POSTGRES_DB")
	if dbName == "" {
		if _, err := exec.LookPath("createdb"); err != nil {
			return ""
		}
		if err := createLocalDB(wantDBName); err != nil {
			fmt.Println("createdb failed: ", err)
			return ""
		}
		dbName = wantDBName
	}
	if pgUser == "" {
		return ""
	}
	connStr = fmt.Sprintf(
		"user=%s dbname=%s sslmode=disable",
		pgUser, dbName,
	)
	// optional vars, used in CI
	password := os.Getenv("POSTGRES_PASSWORD")
	if password != "" {
		connStr += fmt.Sprintf(" password=%s", password)
	}
	host := os.Getenv("POSTGRES_HOST")
	if host != "" {
		connStr += fmt.Sprintf(" host=%s", host)
	}
	return
}
