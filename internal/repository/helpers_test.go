package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandleNotFound(t *testing.T) {
	t.Run("no rows is a nil result", func(t *testing.T) {
		row := pendingRow{RequestID: "r1"}
		got, err := HandleNotFound(&row, fmt.Errorf("get: %w", sql.ErrNoRows))
		assert.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("other errors pass through", func(t *testing.T) {
		row := pendingRow{}
		boom := errors.New("boom")
		got, err := HandleNotFound(&row, boom)
		assert.ErrorIs(t, err, boom)
		assert.Nil(t, got)
	})

	t.Run("a found row is returned", func(t *testing.T) {
		row := pendingRow{RequestID: "r1"}
		got, err := HandleNotFound(&row, nil)
		assert.NoError(t, err)
		assert.Same(t, &row, got)
	})
}
