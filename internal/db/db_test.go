package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatdesk/internal/models"
)

var testBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	database, err := Open(filepath.Join(t.TempDir(), "chatdesk.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	_, err = database.MigrateUp(context.Background())
	require.NoError(t, err)
	return database
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(setupTestDB(t))
}

func minutes(n int) time.Time {
	return testBase.Add(time.Duration(n) * time.Minute)
}

func putConversation(t *testing.T, s *Store, id string, activity int, mutate ...func(*models.Conversation)) models.Conversation {
	t.Helper()
	c := models.Conversation{ID: id, Contact: "+3460000" + id, LastActivity: minutes(activity)}
	for _, fn := range mutate {
		fn(&c)
	}
	require.NoError(t, s.Conversations.Upsert(context.Background(), &c))
	return c
}

func putMessage(t *testing.T, s *Store, convID, id string, at int, sender models.SenderKind, body string) {
	t.Helper()
	m := models.Message{ID: id, ConversationID: convID, Sender: sender, Body: body, Timestamp: minutes(at)}
	inserted, err := s.Messages.Insert(context.Background(), &m)
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	ctx := context.Background()
	database, err := OpenInMemory()
	require.NoError(t, err)
	defer database.Close()

	applied, err := database.MigrateUp(ctx)
	require.NoError(t, err)
	require.Equal(t, len(migrations), applied)

	applied, err = database.MigrateUp(ctx)
	require.NoError(t, err)
	require.Zero(t, applied)

	version, err := database.SchemaVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, migrations[len(migrations)-1].version, version)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}

func TestLikePatternEscapesWildcards(t *testing.T) {
	require.Equal(t, `%50\% off%`, likePattern(" 50% OFF "))
	require.Equal(t, `%a\_b%`, likePattern("a_b"))
}

func TestTimeLayoutSortsLexically(t *testing.T) {
	early := formatTime(time.Date(2026, 1, 1, 0, 0, 0, 5, time.UTC))
	late := formatTime(time.Date(2026, 1, 1, 0, 0, 0, 500, time.UTC))
	require.Less(t, early, late)

	parsed, err := parseTime(late)
	require.NoError(t, err)
	require.Equal(t, 500, parsed.Nanosecond())

	legacy, err := parseTime("2026-01-01T10:00:00+02:00")
	require.NoError(t, err)
	require.True(t, legacy.Equal(time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)))
}
