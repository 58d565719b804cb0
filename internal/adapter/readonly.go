package adapter

import "github.com/eneel-project/eneel/internal/errs"

func readOnlyErr(conn, op string) error {
	return errs.ReadOnly(conn, op)
}
