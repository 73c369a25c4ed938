package command

import (
	"context"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

type SideEffectRunner interface {
	Run(ctx context.Context, paymentID string, step entity.SideEffectStep) error
}

type Handler struct {
	sideEffects SideEffectRunner
}

func NewHandler(sideEffects SideEffectRunner) Handler {
	if sideEffects == nil {
		panic("missing sideEffects")
	}

	return Handler{sideEffects: sideEffects}
}
