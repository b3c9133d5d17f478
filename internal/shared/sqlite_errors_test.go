package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsSQLiteConflictError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "busy", err: errors.New("sqlite: step: SQLITE_BUSY"), want: true},
		{name: "locked", err: errors.New("database is locked (5)"), want: true},
		{name: "wrapped", err: fmt.Errorf("append message: %w", errors.New("database is locked")), want: true},
		{name: "constraint", err: errors.New("UNIQUE constraint failed: messages.id"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSQLiteConflictError(tt.err); got != tt.want {
				t.Fatalf("IsSQLiteConflictError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
