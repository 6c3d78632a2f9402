package db

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/tOgg1/chatdesk/internal/models"
)

// SeedOptions controls demo data generation.
type SeedOptions struct {
	Conversations int
	Messages      int
	Now           time.Time
	Seed          int64
}

var (
	seedNames    = []string{"Ana Ruiz", "Luis Ortega", "Marta Gil", "Pablo Soto", "Irene Vidal", "Hugo Campos", "Sara León", "Diego Prieto"}
	seedCampuses = []string{"centro", "norte", "sur"}
	seedStatuses = []string{models.StatusNew, models.StatusOpen, models.StatusWaiting, models.StatusResolved}
	seedInbound  = []string{
		"Hola, quería información sobre la inscripción",
		"¿Cuál es el horario de la sede?",
		"Gracias, lo reviso y les escribo",
		"¿Tienen plazas para septiembre?",
		"Perfecto, nos vemos el lunes",
	}
	seedOutbound = []string{
		"¡Hola! Claro, te envío los detalles",
		"Abrimos de 9 a 19h de lunes a viernes",
		"Sí, quedan plazas disponibles",
	}
)

// Seed fills the store with demo conversations and returns how many
// conversations and messages were written.
func Seed(ctx context.Context, store *Store, opts SeedOptions) (int, int, error) {
	if opts.Conversations <= 0 {
		opts.Conversations = 12
	}
	if opts.Messages <= 0 {
		opts.Messages = 8
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	conversations, messages := 0, 0
	for i := 0; i < opts.Conversations; i++ {
		name := seedNames[i%len(seedNames)]
		campus := seedCampuses[rng.Intn(len(seedCampuses))]
		start := opts.Now.Add(-time.Duration(opts.Conversations-i) * time.Hour)

		conv := &models.Conversation{
			ID:           uuid.NewString(),
			Contact:      fmt.Sprintf("+34600%06d", rng.Intn(1_000_000)),
			DisplayName:  &name,
			Status:       seedStatuses[rng.Intn(len(seedStatuses))],
			Campus:       &campus,
			LastActivity: start,
		}
		if err := store.Conversations.Upsert(ctx, conv); err != nil {
			return conversations, messages, err
		}
		conversations++

		for j := 0; j < opts.Messages; j++ {
			m := &models.Message{
				ID:             uuid.NewString(),
				ConversationID: conv.ID,
				Timestamp:      start.Add(time.Duration(j) * time.Minute),
			}
			if j%2 == 0 {
				m.Sender = models.SenderInbound
				m.Body = seedInbound[rng.Intn(len(seedInbound))]
			} else {
				m.Sender = models.SenderOutbound
				m.Body = seedOutbound[rng.Intn(len(seedOutbound))]
			}
			// Older history is already read; the last exchange stays unread.
			m.Read = j < opts.Messages-2
			if _, err := store.Messages.Insert(ctx, m); err != nil {
				return conversations, messages, err
			}
			messages++
		}
	}
	return conversations, messages, nil
}
