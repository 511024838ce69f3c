package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/splax/docket/internal/domain"
	"github.com/splax/docket/internal/service/lifecycle"
	"github.com/splax/docket/internal/service/relay"
	"github.com/splax/docket/internal/ws"
)

const maxCreateBody = 1 << 20

type createRequest struct {
	Image         string            `json:"image"`
	Env           map[string]string `json:"env"`
	Command       []string          `json:"command"`
	Type          string            `json:"type"`
	OwnerID       string            `json:"owner_id"`
	ContainerPort int               `json:"container_port"`
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		r.withRateLimit("deploy", r.deployLimit, r.createDeployment)(w, req)
	case http.MethodGet:
		r.withRateLimit("read", r.readLimit, r.listDeployments)(w, req)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDeploymentSubroutes(w http.ResponseWriter, req *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	if rest == "" {
		r.notFound(w)
		return
	}
	parts := strings.Split(rest, "/")
	ref := parts[0]
	if len(parts) == 1 {
		switch req.Method {
		case http.MethodGet:
			r.getDeployment(w, req, ref)
		case http.MethodDelete:
			r.deleteDeployment(w, req, ref)
		default:
			r.methodNotAllowed(w)
		}
		return
	}
	if len(parts) != 2 {
		r.notFound(w)
		return
	}
	switch parts[1] {
	case "reboot":
		if req.Method != http.MethodPost {
			r.methodNotAllowed(w)
			return
		}
		r.rebootDeployment(w, req, ref)
	case "logs":
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		r.withRateLimit("read", r.readLimit, func(w http.ResponseWriter, req *http.Request) {
			r.streamLogs(w, req, ref)
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) createDeployment(w http.ResponseWriter, req *http.Request) {
	var body createRequest
	dec := json.NewDecoder(io.LimitReader(req.Body, maxCreateBody))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	in := lifecycle.CreateInput{
		Image:         body.Image,
		Env:           body.Env,
		Command:       body.Command,
		Type:          domain.DeploymentType(strings.ToLower(strings.TrimSpace(body.Type))),
		OwnerID:       strings.TrimSpace(body.OwnerID),
		ContainerPort: body.ContainerPort,
	}
	if info, ok := authInfoFromContext(req.Context()); ok && info.OwnerID != "" {
		in.OwnerID = info.OwnerID
	}

	sink, err := r.streamSink(w, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sink.Close()

	var (
		mu      sync.Mutex
		started bool
		gone    bool
	)
	progress := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		started = true
		if gone {
			return
		}
		if err := relay.Line(sink, line); err != nil {
			gone = true
		}
	}

	// The deployment outlives a client that disconnects mid-creation.
	result, err := r.deployments.Create(context.WithoutCancel(req.Context()), in, progress)
	if err != nil {
		mu.Lock()
		wrote := started
		mu.Unlock()
		if !wrote {
			writeError(w, statusFor(err), err.Error())
			return
		}
		_ = relay.Line(sink, "[ERROR] "+err.Error())
		return
	}

	if req.URL.Query().Get("follow") == "false" || r.relay == nil {
		_ = relay.Line(sink, relay.TrailerComplete)
		return
	}
	if err := r.relay.Stream(req.Context(), result.Record.ContainerRef, sink); err != nil {
		r.logger.Debug("creation log relay ended", "subdomain", result.Record.Subdomain, "error", err)
	}
}

func (r *Router) listDeployments(w http.ResponseWriter, req *http.Request) {
	records, err := r.deployments.List(req.Context())
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	views := make([]deploymentView, 0, len(records))
	for _, record := range records {
		views = append(views, viewOf(record))
	}
	r.metrics.deployments.Set(float64(len(records)))
	writeJSON(w, http.StatusOK, map[string]any{"deployments": views})
}

func (r *Router) getDeployment(w http.ResponseWriter, req *http.Request, subdomain string) {
	record, err := r.deployments.Get(req.Context(), subdomain)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*record))
}

func (r *Router) deleteDeployment(w http.ResponseWriter, req *http.Request, subdomain string) {
	if err := r.deployments.Delete(req.Context(), subdomain); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "subdomain": subdomain})
}

func (r *Router) rebootDeployment(w http.ResponseWriter, req *http.Request, ref string) {
	record, err := r.deployments.Reboot(req.Context(), ref)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(record))
}

func (r *Router) streamLogs(w http.ResponseWriter, req *http.Request, subdomain string) {
	if r.relay == nil {
		writeError(w, http.StatusNotImplemented, "log relay is disabled")
		return
	}
	record, err := r.deployments.Get(req.Context(), subdomain)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if websocket.IsWebSocketUpgrade(req) {
		client, err := ws.Upgrade(w, req, r.logger)
		if err != nil {
			r.logger.Warn("websocket upgrade failed", "subdomain", subdomain, "error", err)
			return
		}
		defer client.Close()
		ctx, cancel := context.WithCancel(req.Context())
		defer cancel()
		go func() {
			select {
			case <-client.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := r.relay.Stream(ctx, record.ContainerRef, client); err != nil {
			r.logger.Debug("websocket log relay ended", "subdomain", subdomain, "error", err)
		}
		return
	}

	sink, err := r.streamSink(w, req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sink.Close()
	if err := r.relay.Stream(req.Context(), record.ContainerRef, sink); err != nil {
		r.logger.Debug("log relay ended", "subdomain", subdomain, "error", err)
	}
}

// streamSink picks SSE framing when the client asks for it and chunked plain
// text otherwise.
func (r *Router) streamSink(w http.ResponseWriter, req *http.Request) (ws.Sink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	if strings.Contains(req.Header.Get("Accept"), "text/event-stream") {
		return ws.NewSSEClient(w, flusher, r.logger), nil
	}
	return ws.NewTextClient(w, flusher, r.logger), nil
}
