package project

import (
	"fmt"

	"github.com/eneel-project/eneel/internal/adapter"
	"github.com/eneel-project/eneel/internal/adapter/mssql"
	"github.com/eneel-project/eneel/internal/adapter/oracle"
	"github.com/eneel-project/eneel/internal/adapter/postgres"
	"github.com/eneel-project/eneel/internal/adapter/snowflake"
	"github.com/eneel-project/eneel/internal/adapter/sqlite"
	"github.com/sirupsen/logrus"
)

// NewAdapter constructs the concrete adapter for conn.Dialect.
func NewAdapter(conn adapter.Connection, log *logrus.Entry) (adapter.Adapter, error) {
	switch conn.Dialect {
	case adapter.Postgres:
		return postgres.New(conn, log), nil
	case adapter.SQLServer:
		return mssql.New(conn, log), nil
	case adapter.Oracle:
		return oracle.New(conn, log), nil
	case adapter.Snowflake:
		return snowflake.New(conn, log), nil
	case adapter.SQLite:
		return sqlite.New(conn, log), nil
	default:
		return nil, fmt.Errorf("unknown dialect %q", conn.Dialect)
	}
}
