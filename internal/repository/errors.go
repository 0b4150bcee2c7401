// Package repository holds the MySQL and Redis persistence for users,
// refresh tokens and single-use action tokens. The sentinel errors below
// let the service layer tell "absent" and "already used" apart from
// infrastructure failures.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when the requested row or token does not exist.
var ErrNotFound = errors.New("not found")

// ErrEmailExists is returned when a user with the same email is present.
var ErrEmailExists = errors.New("email already exists")

// ErrAlreadyRevoked is returned when a refresh token lost a revoke/rotate
// race or was revoked before.
var ErrAlreadyRevoked = errors.New("refresh token already revoked")

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
