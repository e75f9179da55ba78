// Package adminapi is the CLI-facing request/response protocol
// fleetctl speaks to a running fleetd, riding the same framed
// transport (C3) every node↔node and node↔service connection uses —
// a new channel id and a JSON envelope, not a second parallel
// transport. Reserved for administration: service listing, creation
// by task and lifecycle, screen backlog, templates, config reload, and
// shutdown. Tasks and groups are not edited through this channel.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hearthnet/fleet/pkg/config"
	"github.com/hearthnet/fleet/pkg/serviceman"
	"github.com/hearthnet/fleet/pkg/template"
	"github.com/hearthnet/fleet/pkg/transport"
	"github.com/hearthnet/fleet/pkg/types"
	"github.com/hearthnet/fleet/pkg/wire"
)

// Op names the operation a Request carries.
type Op string

const (
	OpServiceList    Op = "service.list"
	OpServiceStart   Op = "service.start"
	OpServiceStop    Op = "service.stop"
	OpServiceRestart Op = "service.restart"
	OpServiceDelete  Op = "service.delete"
	OpServiceScreen  Op = "service.screen"
	OpCreateByTask   Op = "create.byTask"
	OpTemplateList   Op = "template.list"
	OpTemplateCreate Op = "template.create"
	OpTemplateDelete Op = "template.delete"
	OpTemplateCopy   Op = "template.copy"
	OpConfigReload   Op = "config.reload"
	OpShutdown       Op = "shutdown"
)

// Request is the JSON envelope sent on wire.ChannelAdmin.
type Request struct {
	Op   Op              `json:"op"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Response is the JSON envelope returned for a Request.
type Response struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// CreateByTaskRequest is OpCreateByTask's body.
type CreateByTaskRequest struct {
	Task         string `json:"task"`
	Amount       int    `json:"amount"`
	Start        bool   `json:"start"`
	Node         string `json:"node,omitempty"`
	MaxMemoryMiB int    `json:"maxMemoryMiB,omitempty"`
}

// ServiceIDRequest addresses a single service by its unique id — used
// by start/stop/restart/delete/screen.
type ServiceIDRequest struct {
	ServiceUniqueID string `json:"serviceUniqueId"`
}

// TemplateRequest addresses a named template in a named storage.
type TemplateRequest struct {
	Prefix string `json:"prefix"`
	Path   string `json:"path"`
	To     string `json:"to,omitempty"` // OpTemplateCopy destination path
}

// ScreenResponse is OpServiceScreen's body.
type ScreenResponse struct {
	Lines []string `json:"lines"`
}

// Shutdowner lets the server trigger the daemon's own ordered shutdown
// path without duplicating it here.
type Shutdowner interface {
	RequestShutdown()
}

// Server dispatches decoded Requests against a running node's
// in-process collaborators.
type Server struct {
	manager   *serviceman.Manager
	templates *template.Registry
	cfgStore  *config.Store
	shutdown  Shutdowner
}

// NewServer builds a Server. shutdown may be nil if the CLI shutdown
// verb should be rejected (e.g. a node that disallows remote stop).
func NewServer(manager *serviceman.Manager, templates *template.Registry, cfgStore *config.Store, shutdown Shutdowner) *Server {
	return &Server{manager: manager, templates: templates, cfgStore: cfgStore, shutdown: shutdown}
}

// Attach registers the admin handler on ch. Call once per accepted
// connection before ch.Serve.
func (s *Server) Attach(ch *transport.Channel) {
	ch.OnChannel(wire.ChannelAdmin, s.handle)
}

func (s *Server) handle(ch *transport.Channel, f wire.Frame) ([]byte, error) {
	var req Request
	if err := json.Unmarshal(f.Payload, &req); err != nil {
		return encodeResponse(Response{Error: fmt.Sprintf("adminapi: decode request: %v", err)})
	}
	resp := s.dispatch(context.Background(), req)
	return encodeResponse(resp)
}

func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case OpServiceList:
		return okBody(s.manager.AllSnapshots())

	case OpServiceStart:
		var body ServiceIDRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return errResponse(err)
		}
		current, ok := s.manager.Snapshot(body.ServiceUniqueID)
		if !ok {
			return errResponse(fmt.Errorf("adminapi: unknown service %s", body.ServiceUniqueID))
		}
		snap, err := s.manager.Start(ctx, current.ServiceID)
		if err != nil {
			return errResponse(err)
		}
		return okBody(snap)

	case OpServiceStop:
		return s.transition(ctx, req, s.manager.Stop)

	case OpServiceRestart:
		return s.transition(ctx, req, s.manager.Restart)

	case OpServiceDelete:
		return s.transition(ctx, req, s.manager.Delete)

	case OpServiceScreen:
		var body ServiceIDRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return errResponse(err)
		}
		return okBody(ScreenResponse{Lines: s.manager.Screen(body.ServiceUniqueID)})

	case OpCreateByTask:
		var body CreateByTaskRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return errResponse(err)
		}
		created, err := s.manager.CreateByTaskPinned(ctx, body.Task, body.Amount, body.Node, body.MaxMemoryMiB)
		if err != nil && len(created) == 0 {
			return errResponse(err)
		}
		if body.Start {
			for i, snap := range created {
				started, startErr := s.manager.Start(ctx, snap.ServiceID)
				if startErr != nil {
					return errResponse(fmt.Errorf("adminapi: start %s: %w", snap.ServiceID.Name(), startErr))
				}
				created[i] = started
			}
		}
		return okBody(created)

	case OpTemplateList:
		var body TemplateRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return errResponse(err)
		}
		names, err := s.templates.List(ctx, body.Prefix)
		if err != nil {
			return errResponse(err)
		}
		return okBody(names)

	case OpTemplateCreate:
		var body TemplateRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return errResponse(err)
		}
		if err := s.templates.Create(ctx, body.Prefix, body.Path); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}

	case OpTemplateDelete:
		var body TemplateRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return errResponse(err)
		}
		if err := s.templates.Delete(ctx, body.Prefix, body.Path); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}

	case OpTemplateCopy:
		var body TemplateRequest
		if err := json.Unmarshal(req.Body, &body); err != nil {
			return errResponse(err)
		}
		if err := s.templates.CopyTemplate(ctx, body.Prefix, body.Path, body.To); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}

	case OpConfigReload:
		if s.cfgStore == nil {
			return errResponse(fmt.Errorf("adminapi: config reload unavailable"))
		}
		if err := s.cfgStore.Save(s.cfgStore.Get()); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}

	case OpShutdown:
		if s.shutdown == nil {
			return errResponse(fmt.Errorf("adminapi: shutdown disabled on this node"))
		}
		s.shutdown.RequestShutdown()
		return Response{OK: true}

	default:
		return errResponse(fmt.Errorf("adminapi: unknown op %q", req.Op))
	}
}

func (s *Server) transition(ctx context.Context, req Request, fn func(context.Context, types.ServiceID) (types.ServiceInfoSnapshot, error)) Response {
	var body ServiceIDRequest
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return errResponse(err)
	}
	current, ok := s.manager.Snapshot(body.ServiceUniqueID)
	if !ok {
		return errResponse(fmt.Errorf("adminapi: unknown service %s", body.ServiceUniqueID))
	}
	snap, err := fn(ctx, current.ServiceID)
	if err != nil {
		return errResponse(err)
	}
	return okBody(snap)
}

func okBody(v any) Response {
	data, err := json.Marshal(v)
	if err != nil {
		return errResponse(err)
	}
	return Response{OK: true, Body: data}
}

func errResponse(err error) Response {
	return Response{Error: err.Error()}
}

func encodeResponse(r Response) ([]byte, error) {
	return json.Marshal(r)
}
