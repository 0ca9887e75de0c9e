package database

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrForeignKey      = errors.New("foreign key constraint failed")
	ErrUniqueViolation = errors.New("unique constraint violated")
	ErrNotNull         = errors.New("not null constraint failed")
)

type ConstraintError struct {
	Type    string
	Table   string
	Column  string
	Message string
	Cause   error
}

func (e *ConstraintError) Error() string {
	return e.Message
}

func (e *ConstraintError) Unwrap() error {
	return e.Cause
}

var (
	fkPattern     = regexp.MustCompile(`FOREIGN KEY constraint failed`)
	uniquePattern = regexp.MustCompile(`UNIQUE constraint failed: ([^\s,]+)`)
	notNullRegex  = regexp.MustCompile(`NOT NULL constraint failed: ([^\s]+)`)
)

// ClassifyError maps SQLite constraint failures onto ConstraintError.
// Other errors are returned unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}

	errStr := err.Error()

	if fkPattern.MatchString(errStr) {
		return &ConstraintError{
			Type:    "foreign_key",
			Cause:   ErrForeignKey,
			Message: "referenced record does not exist",
		}
	}

	if matches := uniquePattern.FindStringSubmatch(errStr); len(matches) == 2 {
		table, column := splitColumn(matches[1])
		return &ConstraintError{
			Type:    "unique",
			Table:   table,
			Column:  column,
			Cause:   ErrUniqueViolation,
			Message: "duplicate value for " + matches[1],
		}
	}

	if matches := notNullRegex.FindStringSubmatch(errStr); len(matches) == 2 {
		table, column := splitColumn(matches[1])
		return &ConstraintError{
			Type:    "not_null",
			Table:   table,
			Column:  column,
			Cause:   ErrNotNull,
			Message: "missing value for " + matches[1],
		}
	}

	return err
}

func splitColumn(qualified string) (string, string) {
	parts := strings.SplitN(qualified, ".", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", qualified
}

func IsUniqueError(err error) bool {
	return errors.Is(ClassifyError(err), ErrUniqueViolation)
}

func IsForeignKeyError(err error) bool {
	return errors.Is(ClassifyError(err), ErrForeignKey)
}
