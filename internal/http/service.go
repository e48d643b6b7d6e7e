package httpapi

import (
	"context"

	"github.com/mistakeknot/interject/internal/bot"
	"github.com/mistakeknot/interject/internal/core"
	"github.com/mistakeknot/interject/internal/storage"
)

// Runtime is the running bot as seen by the admin API.
type Runtime interface {
	Status(ctx context.Context) (bot.Status, error)
	Enqueue(job core.ReplyJob) bool
}

type Service struct {
	store   storage.Store
	runtime Runtime
}

func NewService(store storage.Store, runtime Runtime) *Service {
	return &Service{store: store, runtime: runtime}
}
