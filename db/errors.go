package db

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

func IgnoreErrNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// RowsAffected reports whether an update touched exactly one row.
func RowsAffected(res interface{ RowsAffected() (int64, error) }) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("can't get affected rows: %w", err)
	}
	return n == 1, nil
}
