package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/go-tangra/go-tangra-swinventory/internal/inventory"
	"github.com/go-tangra/go-tangra-swinventory/internal/normalize"
	"github.com/go-tangra/go-tangra-swinventory/internal/scheduler"
	"github.com/go-tangra/go-tangra-swinventory/internal/store"
)

// Operation names, used by middleware selectors.
const (
	OperationGetStatus   = "/swinventory.v1.Control/GetStatus"
	OperationTriggerRun  = "/swinventory.v1.Control/TriggerRun"
	OperationStart       = "/swinventory.v1.Control/StartService"
	OperationStop        = "/swinventory.v1.Control/StopService"
	OperationSetInterval = "/swinventory.v1.Control/SetInterval"
	OperationGetStats    = "/swinventory.v1.Control/GetStats"
	OperationList        = "/swinventory.v1.Control/ListSoftware"
)

// Scheduler is the control side exposed over HTTP.
type Scheduler interface {
	Status(ctx context.Context) (scheduler.Status, error)
	TriggerNow(ctx context.Context) (uuid.UUID, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SetInterval(ctx context.Context, weeks int) error
}

// Inventory is the read side exposed over HTTP.
type Inventory interface {
	Stats(ctx context.Context, topN int) (store.Stats, error)
	List(ctx context.Context, f store.ListFilter) ([]normalize.Record, int, error)
}

// TriggerReply is returned for an accepted manual run.
type TriggerReply struct {
	RunID string `json:"run_id"`
}

// IntervalRequest is the body of PUT /v1/service/interval.
type IntervalRequest struct {
	Weeks int `json:"weeks"`
}

// ListReply is one page of software rows.
type ListReply struct {
	Items      []normalize.Record `json:"items"`
	TotalCount int                `json:"total_count"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
}

// Handler serves the control API.
type Handler struct {
	sched  Scheduler
	inv    Inventory
	logger *zap.Logger
}

func NewHandler(sched Scheduler, inv Inventory, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sched: sched, inv: inv, logger: logger}
}

// Register mounts the routes on srv.
func (h *Handler) Register(srv *khttp.Server) {
	r := srv.Route("/")
	r.GET("/v1/status", h.getStatus)
	r.POST("/v1/runs", h.triggerRun)
	r.POST("/v1/service/start", h.startService)
	r.POST("/v1/service/stop", h.stopService)
	r.PUT("/v1/service/interval", h.setInterval)
	r.GET("/v1/stats", h.getStats)
	r.GET("/v1/software", h.listSoftware)
}

// invoke runs fn through the server's middleware chain for operation.
func invoke(ctx khttp.Context, operation string, in any, fn func(context.Context, any) (any, error)) (any, error) {
	khttp.SetOperation(ctx, operation)
	return ctx.Middleware(fn)(ctx, in)
}

func (h *Handler) getStatus(ctx khttp.Context) error {
	out, err := invoke(ctx, OperationGetStatus, nil, func(c context.Context, _ any) (any, error) {
		st, err := h.sched.Status(c)
		if err != nil {
			return nil, h.internal("read status", err)
		}
		return st, nil
	})
	if err != nil {
		return err
	}
	return ctx.Result(http.StatusOK, out)
}

func (h *Handler) triggerRun(ctx khttp.Context) error {
	out, err := invoke(ctx, OperationTriggerRun, nil, func(c context.Context, _ any) (any, error) {
		id, err := h.sched.TriggerNow(c)
		switch {
		case errors.Is(err, inventory.ErrAlreadyRunning):
			return nil, kerrors.Conflict("ALREADY_RUNNING", err.Error())
		case errors.Is(err, scheduler.ErrPaused):
			return nil, kerrors.Conflict("SERVICE_PAUSED", err.Error())
		case err != nil:
			return nil, h.internal("trigger run", err)
		}
		return &TriggerReply{RunID: id.String()}, nil
	})
	if err != nil {
		return err
	}
	return ctx.Result(http.StatusAccepted, out)
}

func (h *Handler) startService(ctx khttp.Context) error {
	return h.toggle(ctx, OperationStart, h.sched.Start)
}

func (h *Handler) stopService(ctx khttp.Context) error {
	return h.toggle(ctx, OperationStop, h.sched.Stop)
}

func (h *Handler) toggle(ctx khttp.Context, operation string, fn func(context.Context) error) error {
	out, err := invoke(ctx, operation, nil, func(c context.Context, _ any) (any, error) {
		if err := fn(c); err != nil {
			return nil, h.internal("update service state", err)
		}
		st, err := h.sched.Status(c)
		if err != nil {
			return nil, h.internal("read status", err)
		}
		return st, nil
	})
	if err != nil {
		return err
	}
	return ctx.Result(http.StatusOK, out)
}

func (h *Handler) setInterval(ctx khttp.Context) error {
	out, err := invoke(ctx, OperationSetInterval, nil, func(c context.Context, _ any) (any, error) {
		// Bound inside the chain so unauthenticated requests are rejected
		// before the body is looked at.
		var in IntervalRequest
		if err := ctx.Bind(&in); err != nil {
			return nil, kerrors.BadRequest("INVALID_BODY", err.Error())
		}
		if err := h.sched.SetInterval(c, in.Weeks); err != nil {
			if errors.Is(err, scheduler.ErrInvalidInterval) {
				return nil, kerrors.BadRequest("INVALID_INTERVAL", err.Error())
			}
			return nil, h.internal("set interval", err)
		}
		return h.sched.Status(c)
	})
	if err != nil {
		return err
	}
	return ctx.Result(http.StatusOK, out)
}

func (h *Handler) getStats(ctx khttp.Context) error {
	top := queryInt(ctx, "top", 10)
	out, err := invoke(ctx, OperationGetStats, nil, func(c context.Context, _ any) (any, error) {
		st, err := h.inv.Stats(c, top)
		if err != nil {
			return nil, h.internal("read stats", err)
		}
		return st, nil
	})
	if err != nil {
		return err
	}
	return ctx.Result(http.StatusOK, out)
}

func (h *Handler) listSoftware(ctx khttp.Context) error {
	q := ctx.Query()
	filter := store.ListFilter{
		Hostname:  q.Get("hostname"),
		Publisher: q.Get("publisher"),
		PageSize:  queryInt(ctx, "page_size", 50),
		Page:      queryInt(ctx, "page", 1),
	}
	filter.OnlyNew, _ = strconv.ParseBool(q.Get("only_new"))

	out, err := invoke(ctx, OperationList, &filter, func(c context.Context, req any) (any, error) {
		f := *req.(*store.ListFilter)
		items, total, err := h.inv.List(c, f)
		if err != nil {
			return nil, h.internal("list software", err)
		}
		if items == nil {
			items = []normalize.Record{}
		}
		return &ListReply{Items: items, TotalCount: total, Page: f.Page, PageSize: f.PageSize}, nil
	})
	if err != nil {
		return err
	}
	return ctx.Result(http.StatusOK, out)
}

func (h *Handler) internal(op string, err error) error {
	h.logger.Error(op, zap.Error(err))
	return kerrors.InternalServer("INTERNAL", op+" failed")
}

func queryInt(ctx khttp.Context, key string, def int) int {
	v := ctx.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
