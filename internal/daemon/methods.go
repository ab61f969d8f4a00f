package daemon

import (
	"encoding/json"

	"github.com/zjrosen/loom/internal/loomerr"
	"github.com/zjrosen/loom/internal/store"
)

// Request parameter shapes for the IPC methods.

type idParams struct {
	ID string `json:"id"`
}

type createParams struct {
	Requirement string   `json:"requirement"`
	Docs        []string `json:"docs,omitempty"`
}

type reviseParams struct {
	ID       string `json:"id"`
	Feedback string `json:"feedback"`
}

type approveParams struct {
	ID        string `json:"id"`
	AutoStart bool   `json:"autoStart,omitempty"`
}

type retryTaskParams struct {
	ID     string `json:"id"`
	TaskID string `json:"taskId"`
}

type planParams struct {
	ID      string `json:"id"`
	Version int    `json:"version,omitempty"`
}

type limitParams struct {
	Limit int `json:"limit,omitempty"`
}

type resizeParams struct {
	Size int `json:"size"`
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, loomerr.New(loomerr.CodeProtocol, "missing params")
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, loomerr.Wrap(loomerr.CodeProtocol, err, "malformed params")
	}
	return v, nil
}

// registerMethods exposes every session manager operation, pool status,
// workflow control, plan reads, and the UI state snapshot over IPC.
func (d *Daemon) registerMethods() {
	reg := d.server.Register

	reg("daemon.ping", func(json.RawMessage) (any, error) {
		return map[string]any{"ok": true, "workspace": d.cfg.Workspace}, nil
	})

	reg("session.create", func(params json.RawMessage) (any, error) {
		p, err := decode[createParams](params)
		if err != nil {
			return nil, err
		}
		id, err := d.manager.CreateSession(p.Requirement, p.Docs)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": id}, nil
	})

	reg("session.revise", func(params json.RawMessage) (any, error) {
		p, err := decode[reviseParams](params)
		if err != nil {
			return nil, err
		}
		return nil, d.manager.Revise(p.ID, p.Feedback)
	})

	reg("session.approve", func(params json.RawMessage) (any, error) {
		p, err := decode[approveParams](params)
		if err != nil {
			return nil, err
		}
		return nil, d.manager.Approve(p.ID, p.AutoStart)
	})

	reg("session.start", func(params json.RawMessage) (any, error) {
		p, err := decode[idParams](params)
		if err != nil {
			return nil, err
		}
		return nil, d.manager.Start(p.ID)
	})

	reg("session.pause", func(params json.RawMessage) (any, error) {
		p, err := decode[idParams](params)
		if err != nil {
			return nil, err
		}
		return nil, d.manager.Pause(p.ID)
	})

	reg("session.resume", func(params json.RawMessage) (any, error) {
		p, err := decode[idParams](params)
		if err != nil {
			return nil, err
		}
		return nil, d.manager.Resume(p.ID)
	})

	reg("session.stop", func(params json.RawMessage) (any, error) {
		p, err := decode[idParams](params)
		if err != nil {
			return nil, err
		}
		return nil, d.manager.Stop(p.ID)
	})

	reg("session.cancel", func(params json.RawMessage) (any, error) {
		p, err := decode[idParams](params)
		if err != nil {
			return nil, err
		}
		return nil, d.manager.CancelSession(p.ID)
	})

	reg("session.retryTask", func(params json.RawMessage) (any, error) {
		p, err := decode[retryTaskParams](params)
		if err != nil {
			return nil, err
		}
		return nil, d.manager.RetryTask(p.ID, p.TaskID)
	})

	reg("session.reopen", func(params json.RawMessage) (any, error) {
		p, err := decode[idParams](params)
		if err != nil {
			return nil, err
		}
		return nil, d.manager.Reopen(p.ID)
	})

	reg("session.delete", func(params json.RawMessage) (any, error) {
		p, err := decode[idParams](params)
		if err != nil {
			return nil, err
		}
		return nil, d.manager.Delete(p.ID)
	})

	reg("session.list", func(json.RawMessage) (any, error) {
		return d.manager.List(), nil
	})

	reg("session.get", func(params json.RawMessage) (any, error) {
		p, err := decode[idParams](params)
		if err != nil {
			return nil, err
		}
		return d.manager.Get(p.ID)
	})

	reg("session.plan", func(params json.RawMessage) (any, error) {
		p, err := decode[planParams](params)
		if err != nil {
			return nil, err
		}
		text, err := d.manager.PlanText(p.ID, p.Version)
		if err != nil {
			return nil, err
		}
		return map[string]any{"plan": text}, nil
	})

	reg("session.completed", func(params json.RawMessage) (any, error) {
		p, _ := decode[limitParams](params)
		entries, err := d.store.GetCompletedSessions(p.Limit)
		if err != nil {
			return nil, err
		}
		return entries, nil
	})

	reg("pool.status", func(json.RawMessage) (any, error) {
		st := d.pool.Status()
		return map[string]any{
			"available": st.Available,
			"busy":      st.Busy,
			"resting":   st.Resting,
			"total":     st.Total,
			"slots":     st.Slots,
		}, nil
	})

	reg("pool.resize", func(params json.RawMessage) (any, error) {
		p, err := decode[resizeParams](params)
		if err != nil {
			return nil, err
		}
		return nil, d.pool.Resize(p.Size)
	})

	reg("workflow.list", func(json.RawMessage) (any, error) {
		return d.engine.Instances(), nil
	})

	reg("workflow.pause", func(params json.RawMessage) (any, error) {
		p, err := decode[idParams](params)
		if err != nil {
			return nil, err
		}
		d.engine.Pause(p.ID)
		return nil, nil
	})

	reg("workflow.resume", func(params json.RawMessage) (any, error) {
		p, err := decode[idParams](params)
		if err != nil {
			return nil, err
		}
		d.engine.Resume(p.ID)
		return nil, nil
	})

	reg("workflow.stop", func(params json.RawMessage) (any, error) {
		p, err := decode[idParams](params)
		if err != nil {
			return nil, err
		}
		d.engine.Cancel(p.ID)
		return nil, nil
	})

	reg("workflow.step", func(params json.RawMessage) (any, error) {
		p, err := decode[idParams](params)
		if err != nil {
			return nil, err
		}
		d.engine.Step(p.ID)
		return nil, nil
	})

	reg("process.list", func(json.RawMessage) (any, error) {
		return d.procs.Records(), nil
	})

	// state.snapshot assembles everything an external UI needs to render.
	reg("state.snapshot", func(json.RawMessage) (any, error) {
		poolStatus := d.pool.Status()
		sessions := d.manager.List()
		summaries := make([]map[string]any, 0, len(sessions))
		for _, sess := range sessions {
			summaries = append(summaries, sessionSummary(sess))
		}
		return map[string]any{
			"coordinator": string(d.coord.State()),
			"pool": map[string]any{
				"available": poolStatus.Available,
				"busy":      poolStatus.Busy,
				"resting":   poolStatus.Resting,
				"total":     poolStatus.Total,
			},
			"sessions":  summaries,
			"workflows": d.engine.Instances(),
		}, nil
	})
}

func sessionSummary(sess *store.Session) map[string]any {
	out := map[string]any{
		"id":          sess.ID,
		"requirement": sess.Requirement,
		"status":      string(sess.Status),
		"plans":       len(sess.Plans),
		"updatedAt":   sess.UpdatedAt,
	}
	if sess.LiveWorkflowID != "" {
		out["workflowId"] = sess.LiveWorkflowID
		out["workflowKind"] = sess.LiveWorkflowKind
	}
	return out
}
