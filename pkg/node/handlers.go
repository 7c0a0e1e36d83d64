package node

import (
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/fabricsync/pkg/protocol"
)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the identity of the controller and a summary of its peers.
func (n *Node) Info(w http.ResponseWriter, req *http.Request) {
	type resp struct {
		PID      int            `json:"pid"`
		Now      time.Time      `json:"now"`
		Uptime   string         `json:"uptime"`
		Site     string         `json:"site"`
		Class    protocol.Class `json:"class"`
		Address  string         `json:"address"`
		Peers    int            `json:"peers"`
		InFlight int            `json:"inFlight"`
	}
	peers, err := n.ctl.Peers(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	cfg := n.ctl.Config()
	n.writeJSON(w, resp{
		PID:      os.Getpid(),
		Now:      time.Now(),
		Uptime:   time.Since(n.started).Round(time.Second).String(),
		Site:     cfg.ID,
		Class:    cfg.Class,
		Address:  cfg.Address,
		Peers:    len(peers),
		InFlight: n.ctl.PendingRequests(),
	})
}

// Peers lists the peer table.
func (n *Node) Peers(w http.ResponseWriter, req *http.Request) {
	peers, err := n.ctl.Peers(req.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	n.writeJSON(w, peers)
}

// State returns key -> hash of the local store for the namespace in the path,
// e.g. /state/mgmt.
func (n *Node) State(w http.ResponseWriter, req *http.Request) {
	ns := strings.TrimPrefix(req.URL.Path, "/state/")
	if ns == "" || strings.Contains(ns, "/") {
		http.Error(w, "namespace required", http.StatusBadRequest)
		return
	}
	hs, err := n.store.HashState(req.Context(), ns)
	if err != nil {
		n.logger.Error("reading hash state", zap.String("namespace", ns), zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	n.writeJSON(w, hs)
}

func (n *Node) writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
