package testutil

import (
	"fmt"
)

// NewTestDSN generates a DSN for an in-memory SQLite database for testing purposes.
// Foreign keys are enabled on every connection opened from the DSN.
func NewTestDSN(testName string) string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", testName)
}
