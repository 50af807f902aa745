package daemon

import (
	"errors"
	"fmt"
	"os"

	"github.com/msageha/delegator/internal/model"
	"github.com/msageha/delegator/internal/queue"
	"github.com/msageha/delegator/internal/session"
	"github.com/msageha/delegator/internal/uds"
)

// SubmitParams is the payload of the "submit" command.
type SubmitParams struct {
	model.TaskDescriptor
	// NoQueue refuses the task with BACKPRESSURE instead of queueing it.
	NoQueue bool `json:"no_queue,omitempty"`
}

type SessionParams struct {
	SessionID string `json:"session_id"`
}

type ListParams struct {
	model.SessionFilter
	Limit int `json:"limit,omitempty"`
}

type ListResult struct {
	Sessions []model.SessionView `json:"sessions"`
	Total    int                 `json:"total"`
}

type OutputResult struct {
	SessionID string       `json:"session_id"`
	Status    model.Status `json:"status"`
	Output    string       `json:"output"`
}

type ResultResult struct {
	SessionID string               `json:"session_id"`
	Ready     bool                 `json:"ready"`
	Result    *model.SessionResult `json:"result,omitempty"`
}

type KillResult struct {
	SessionID string `json:"session_id"`
	Killed    bool   `json:"killed"`
}

type QueueCancelParams struct {
	QueueID string `json:"queue_id"`
}

// PingResult is returned by "ping" and backs the status overview.
type PingResult struct {
	Status   string `json:"status"`
	PID      int    `json:"pid"`
	Running  int    `json:"running"`
	Capacity int    `json:"capacity"`
	Queued   int    `json:"queued"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", d.handlePing)
	d.server.Handle("shutdown", func(*uds.Request) *uds.Response {
		d.logger.Info().Msg("shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
	d.server.Handle("submit", d.handleSubmit)
	d.server.Handle("status", d.handleStatus)
	d.server.Handle("output", d.handleOutput)
	d.server.Handle("result", d.handleResult)
	d.server.Handle("list", d.handleList)
	d.server.Handle("kill", d.handleKill)
	d.server.Handle("cleanup", d.handleCleanup)
	d.server.Handle("queue_status", d.handleQueueStatus)
	d.server.Handle("queue_cancel", d.handleQueueCancel)
}

func (d *Daemon) handlePing(*uds.Request) *uds.Response {
	return uds.SuccessResponse(PingResult{
		Status:   "ok",
		PID:      os.Getpid(),
		Running:  d.manager.Running(),
		Capacity: d.manager.Capacity(),
		Queued:   d.queue.Len(),
	})
}

func (d *Daemon) handleSubmit(req *uds.Request) *uds.Response {
	var params SubmitParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if err := validateTask(&params.TaskDescriptor); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	if params.NoQueue {
		id, err := d.manager.Spawn(d.ctx, params.TaskDescriptor)
		if err != nil {
			return errorResponse(err)
		}
		return uds.SuccessResponse(model.EnqueueResult{SessionID: id})
	}

	res, err := d.queue.Enqueue(d.ctx, params.TaskDescriptor)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(res)
}

// validateTask requires a non-blank prompt and an existing absolute work_dir
// when one is given.
func validateTask(t *model.TaskDescriptor) error {
	return t.Validate()
}

// lookup resolves a session id parameter, answering NOT_FOUND for unknown ids.
func (d *Daemon) lookup(req *uds.Request) (*model.SessionView, *uds.Response) {
	var params SessionParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return nil, uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if !model.ValidateID(params.SessionID) {
		return nil, uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid session id %q", params.SessionID))
	}
	v, err := d.manager.CheckStatus(params.SessionID)
	if err != nil {
		return nil, errorResponse(err)
	}
	if v == nil {
		return nil, uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("session %s not found", params.SessionID))
	}
	return v, nil
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	v, resp := d.lookup(req)
	if resp != nil {
		return resp
	}
	return uds.SuccessResponse(v)
}

func (d *Daemon) handleOutput(req *uds.Request) *uds.Response {
	v, resp := d.lookup(req)
	if resp != nil {
		return resp
	}
	out, err := d.manager.GetOutput(v.ID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(OutputResult{SessionID: v.ID, Status: v.Status, Output: out})
}

func (d *Daemon) handleResult(req *uds.Request) *uds.Response {
	v, resp := d.lookup(req)
	if resp != nil {
		return resp
	}
	res, err := d.manager.GetResult(v.ID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(ResultResult{SessionID: v.ID, Ready: res != nil, Result: res})
}

func (d *Daemon) handleList(req *uds.Request) *uds.Response {
	var params ListParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.Status != "" && !model.IsKnownStatus(params.Status) {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("unknown status %q", params.Status))
	}
	views, err := d.manager.List(params.SessionFilter)
	if err != nil {
		return errorResponse(err)
	}
	total := len(views)
	if params.Limit > 0 && len(views) > params.Limit {
		views = views[:params.Limit]
	}
	if views == nil {
		views = []model.SessionView{}
	}
	return uds.SuccessResponse(ListResult{Sessions: views, Total: total})
}

func (d *Daemon) handleKill(req *uds.Request) *uds.Response {
	v, resp := d.lookup(req)
	if resp != nil {
		return resp
	}
	killed := d.manager.Kill(v.ID, model.KillReasonManual)
	if killed {
		d.logger.Info().Str("session_id", v.ID).Msg("session killed via UDS")
	}
	return uds.SuccessResponse(KillResult{SessionID: v.ID, Killed: killed})
}

func (d *Daemon) handleCleanup(*uds.Request) *uds.Response {
	report := d.manager.Cleanup(d.ctx)
	if report.Removed == nil {
		report.Removed = []string{}
	}
	return uds.SuccessResponse(report)
}

func (d *Daemon) handleQueueStatus(*uds.Request) *uds.Response {
	return uds.SuccessResponse(d.queue.Status())
}

func (d *Daemon) handleQueueCancel(req *uds.Request) *uds.Response {
	var params QueueCancelParams
	if err := uds.DecodeParams(req, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if params.QueueID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "queue_id is required")
	}
	if !d.queue.Cancel(params.QueueID) {
		return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("queue entry %s not found", params.QueueID))
	}
	return uds.SuccessResponse(map[string]any{"queue_id": params.QueueID, "cancelled": true})
}

// errorResponse maps engine errors onto UDS error codes.
func errorResponse(err error) *uds.Response {
	var spawnErr *session.SpawnError
	switch {
	case errors.Is(err, session.ErrCapacity):
		return uds.ErrorResponse(uds.ErrCodeBackpressure, err.Error())
	case errors.As(err, &spawnErr):
		return uds.SessionErrorResponse(uds.ErrCodeLaunchFailed, spawnErr.SessionID,
			fmt.Sprintf("session %s: %v", spawnErr.SessionID, spawnErr.Err))
	case errors.Is(err, session.ErrStorage):
		return uds.ErrorResponse(uds.ErrCodeStorage, err.Error())
	case errors.Is(err, session.ErrClosed), errors.Is(err, queue.ErrClosed):
		return uds.ErrorResponse(uds.ErrCodeShuttingDown, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}
