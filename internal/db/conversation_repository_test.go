package db

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatdesk/internal/models"
)

func TestConversationUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	name := "Ana Ruiz"
	campus := "norte"
	follow := minutes(90)
	putConversation(t, s, "c1", 10, func(c *models.Conversation) {
		c.DisplayName = &name
		c.Campus = &campus
		c.NextFollowUpAt = &follow
		c.FollowUpAttempts = 2
	})

	got, err := s.Conversations.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, "Ana Ruiz", got.Name())
	require.Equal(t, models.StatusNew, got.Status)
	require.Equal(t, "norte", *got.Campus)
	require.True(t, got.NextFollowUpAt.Equal(follow))
	require.Nil(t, got.LastFollowUpAt)
	require.Equal(t, 2, got.FollowUpAttempts)

	putConversation(t, s, "c1", 20, func(c *models.Conversation) { c.Status = models.StatusOpen })
	got, err = s.Conversations.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, models.StatusOpen, got.Status)
	require.Nil(t, got.DisplayName)
	require.True(t, got.LastActivity.Equal(minutes(20)))
}

func TestConversationGetNotFound(t *testing.T) {
	_, err := setupTestStore(t).Conversations.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestConversationUpsertValidates(t *testing.T) {
	err := setupTestStore(t).Conversations.Upsert(context.Background(), &models.Conversation{UnreadCount: -1})
	require.ErrorIs(t, err, models.ErrConversationIDRequired)
	require.ErrorIs(t, err, models.ErrNegativeUnread)
}

func TestConversationListKeysetPagination(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	// Pairs share a timestamp so the id tie-break is exercised.
	for i := 0; i < 7; i++ {
		putConversation(t, s, "c"+strconv.Itoa(i), i/2)
	}

	var (
		seen   []string
		cursor string
		pages  int
	)
	for {
		page, err := s.ListConversations(ctx, models.PageRequest{Cursor: cursor, Limit: 3})
		require.NoError(t, err)
		pages++
		for _, c := range page.Items {
			seen = append(seen, c.ID)
		}
		if !page.Next.HasMore {
			require.Empty(t, page.Next.Position)
			break
		}
		cursor = page.Next.Position
	}

	require.Equal(t, 3, pages)
	require.Equal(t, []string{"c6", "c5", "c4", "c3", "c2", "c1", "c0"}, seen)
}

func TestConversationListExactPageHasNoMore(t *testing.T) {
	s := setupTestStore(t)
	putConversation(t, s, "a", 1)
	putConversation(t, s, "b", 2)

	page, err := s.ListConversations(context.Background(), models.PageRequest{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.False(t, page.Next.HasMore)
}

func TestConversationListFilters(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	north, south := "norte", "sur"
	putConversation(t, s, "1", 1, func(c *models.Conversation) { c.Status = models.StatusOpen; c.Campus = &north })
	putConversation(t, s, "2", 2, func(c *models.Conversation) { c.Status = models.StatusOpen; c.Campus = &south; c.UnreadCount = 3 })
	putConversation(t, s, "3", 3, func(c *models.Conversation) { c.Status = models.StatusResolved; c.Campus = &north })

	tests := []struct {
		name   string
		filter models.ConversationFilter
		want   []string
	}{
		{"all", models.ConversationFilter{}, []string{"3", "2", "1"}},
		{"status", models.ConversationFilter{Status: models.StatusOpen}, []string{"2", "1"}},
		{"campus", models.ConversationFilter{Campus: "norte"}, []string{"3", "1"}},
		{"unread", models.ConversationFilter{UnreadOnly: true}, []string{"2"}},
		{"combined", models.ConversationFilter{Status: models.StatusOpen, Campus: "norte"}, []string{"1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := s.ListConversations(ctx, models.PageRequest{Filter: tt.filter})
			require.NoError(t, err)
			var ids []string
			for _, c := range page.Items {
				ids = append(ids, c.ID)
			}
			require.Equal(t, tt.want, ids)
		})
	}
}

func TestConversationListRejectsBadCursor(t *testing.T) {
	_, err := setupTestStore(t).ListConversations(context.Background(), models.PageRequest{Cursor: "%%%"})
	require.ErrorIs(t, err, models.ErrInvalidCursor)
}

func TestMarkConversationRead(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	putConversation(t, s, "c1", 0)
	putMessage(t, s, "c1", "m1", 1, models.SenderInbound, "hola")
	putMessage(t, s, "c1", "m2", 2, models.SenderOutbound, "buenas")
	putMessage(t, s, "c1", "m3", 3, models.SenderInbound, "gracias")

	got, err := s.Conversations.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 2, got.UnreadCount)

	require.NoError(t, s.MarkConversationRead(ctx, "c1"))

	got, err = s.Conversations.Get(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, got.UnreadCount)

	page, err := s.ListMessages(ctx, "c1", models.PageRequest{})
	require.NoError(t, err)
	for _, m := range page.Items {
		if m.Sender == models.SenderInbound {
			require.True(t, m.Read, m.ID)
		}
	}

	err = s.MarkConversationRead(ctx, "nope")
	require.True(t, errors.Is(err, ErrConversationNotFound))
}
