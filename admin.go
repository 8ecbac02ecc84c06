package main

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"
)

// PublishRequest is the service layer's push into the fanout system: one
// event, one recipient scope.
type PublishRequest struct {
	Scope   string          `json:"scope"` // "server" or "user"
	ID      string          `json:"id"`
	Op      string          `json:"op"`
	D       json.RawMessage `json:"d,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
}

func publishResp(log *zap.SugaredLogger, w http.ResponseWriter, status int, code, content string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"code":"` + code + `","data":"` + content + `"}`))
	log.Infow("publish resp", "code", code, "data", content)
}

// handlePublish is the signed internal endpoint REST nodes call after a
// mutation has passed its permission checks.
func (n *Node) handlePublish(w http.ResponseWriter, r *http.Request) {
	log := zap.S().With("method", "publish")
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		publishResp(log, w, http.StatusBadRequest, "fail", "read body")
		return
	}

	s := r.URL.Query().Get("sign")
	ts := r.URL.Query().Get("ts")
	if s == "" || ts == "" {
		publishResp(log, w, http.StatusUnauthorized, "fail", "sign")
		return
	}
	if !CheckSignMD5(DefConfig.AdminSecret, string(body), ts, s) {
		publishResp(log, w, http.StatusUnauthorized, "fail", "sign")
		return
	}

	req := PublishRequest{}
	if err := json.Unmarshal(body, &req); err != nil {
		publishResp(log, w, http.StatusBadRequest, "fail", "data format")
		return
	}
	if req.Op == "" || !validID(req.ID) {
		publishResp(log, w, http.StatusBadRequest, "fail", "op or id")
		return
	}

	ctx := r.Context()
	switch req.Scope {
	case "server":
		n.PublishToServer(ctx, req.ID, req.Op, req.D, req.Exclude)
	case "user":
		n.PublishToUser(ctx, req.ID, req.Op, req.D)
	default:
		publishResp(log, w, http.StatusBadRequest, "fail", "scope")
		return
	}
	publishResp(log, w, http.StatusOK, "ok", "")
}
