package executor

import (
	"context"

	"github.com/ppiankov/kalpana/internal/action"
	"github.com/ppiankov/kalpana/internal/model"
)

func (e *Executor) status(ctx context.Context, req Request) (map[string]any, error) {
	if e.intro == nil {
		return nil, model.Errorf(model.ErrInternalFault, "introspection unavailable")
	}
	return e.intro.Status(), nil
}

func (e *Executor) explainLast(ctx context.Context, req Request) (map[string]any, error) {
	if e.intro == nil {
		return nil, model.Errorf(model.ErrInternalFault, "introspection unavailable")
	}
	return e.intro.ExplainLast(req.SessionID)
}

func (e *Executor) queryAudit(ctx context.Context, req Request) (map[string]any, error) {
	if e.intro == nil {
		return nil, model.Errorf(model.ErrInternalFault, "introspection unavailable")
	}
	a := req.Action.(action.QueryAudit)
	return e.intro.QueryAudit(req.Principal, a.Limit)
}
