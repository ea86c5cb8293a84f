package dealers

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectory_ListActive(t *testing.T) {
	t.Parallel()

	t.Run("returns active dealers", func(t *testing.T) {
		t.Parallel()

		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		mock.ExpectQuery("SELECT id, name, webhook_url FROM dealers").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "webhook_url"}).
				AddRow(uuid.NewString(), "Autohaus Nord", "https://north.example.com/hook").
				AddRow(uuid.NewString(), "Autohaus Sued", "https://south.example.com/hook"))

		dealers, err := NewDirectory(db).ListActive(context.Background())
		require.NoError(t, err)
		require.Len(t, dealers, 2)
		assert.Equal(t, "Autohaus Nord", dealers[0].Name)
		assert.Equal(t, "https://south.example.com/hook", dealers[1].WebhookURL)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty directory yields no targets", func(t *testing.T) {
		t.Parallel()

		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		mock.ExpectQuery("SELECT id, name, webhook_url FROM dealers").
			WillReturnRows(sqlmock.NewRows([]string{"id", "name", "webhook_url"}))

		dealers, err := NewDirectory(db).ListActive(context.Background())
		require.NoError(t, err)
		assert.Empty(t, dealers)
	})
}
