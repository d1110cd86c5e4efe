package jobs

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, job *Job) error
	Update(ctx context.Context, job *Job) error
	FindByID(ctx context.Context, id uuid.UUID) (*Job, error)
}

type StatusPublisher interface {
	PublishStatus(ctx context.Context, msg []byte) error
}
