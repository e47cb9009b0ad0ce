// Package api serves the HTTP admin interface of a node.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"clusterd/internal/address"
	"clusterd/internal/gossip"
	"clusterd/internal/telemetry"
)

// Cluster is the part of a node the admin API drives.
type Cluster interface {
	Self() address.UniqueAddress
	Gossip() *gossip.Gossip
	Leave(ctx context.Context, addr address.Address) error
	Down(ctx context.Context, addr address.Address) error
}

// Member is the JSON form of a cluster member.
type Member struct {
	Address   string    `json:"address"`
	UID       uint64    `json:"uid"`
	Status    string    `json:"status"`
	UpNumber  int       `json:"up_number,omitempty"`
	Roles     []string  `json:"roles"`
	Since     time.Time `json:"since"`
	Reachable bool      `json:"reachable"`
}

// MembersResponse is returned by GET /cluster/members.
type MembersResponse struct {
	Self        string   `json:"self"`
	Leader      string   `json:"leader,omitempty"`
	Members     []Member `json:"members"`
	Unreachable []string `json:"unreachable"`
}

// Tombstone is the JSON form of a removed member.
type Tombstone struct {
	Node      string    `json:"node"`
	RemovedAt time.Time `json:"removed_at"`
}

// Subject is one entry of an observer's reachability report.
type Subject struct {
	Node    string `json:"node"`
	Status  string `json:"status"`
	Version int64  `json:"version"`
}

// Report is the JSON form of an observer's reachability report.
type Report struct {
	Observer string    `json:"observer"`
	Version  int64     `json:"version"`
	Subjects []Subject `json:"subjects"`
}

// StateResponse is returned by GET /cluster/state.
type StateResponse struct {
	Self         string           `json:"self"`
	Version      map[string]int64 `json:"version"`
	Seen         []string         `json:"seen"`
	NotSeen      []string         `json:"not_seen"`
	Converged    bool             `json:"converged"`
	Leader       string           `json:"leader,omitempty"`
	Tombstones   []Tombstone      `json:"tombstones"`
	Reachability []Report         `json:"reachability"`
}

// Handler serves the admin endpoints.
type Handler struct {
	cluster Cluster
	metrics *telemetry.Metrics
	logger  *zap.Logger
}

// NewHandler creates a Handler. metrics may be nil.
func NewHandler(c Cluster, metrics *telemetry.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{cluster: c, metrics: metrics, logger: logger}
}

// RegisterRoutes registers the admin routes on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.Handle("/cluster/members", h.instrument("members", h.handleMembers)).Methods(http.MethodGet)
	r.Handle("/cluster/state", h.instrument("state", h.handleState)).Methods(http.MethodGet)
	r.Handle("/cluster/members/{address}/leave", h.instrument("leave", h.handleLeave)).Methods(http.MethodPost)
	r.Handle("/cluster/members/{address}/down", h.instrument("down", h.handleDown)).Methods(http.MethodPost)
	r.Handle("/healthz", h.instrument("healthz", h.handleHealth)).Methods(http.MethodGet)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
	}
}

// Router returns a router with all admin routes.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func (h *Handler) instrument(op string, fn http.HandlerFunc) http.Handler {
	if h.metrics == nil {
		return fn
	}
	return h.metrics.Instrument(op, fn)
}

// handleMembers handles GET /cluster/members requests. An optional status
// query parameter, e.g. ?status=up, restricts the member list.
func (h *Handler) handleMembers(w http.ResponseWriter, r *http.Request) {
	var (
		only   gossip.MemberStatus
		filter bool
	)
	if q := r.URL.Query().Get("status"); q != "" {
		st, ok := gossip.ParseMemberStatus(q)
		if !ok {
			http.Error(w, fmt.Sprintf("unknown member status %q", q), http.StatusBadRequest)
			return
		}
		only, filter = st, true
	}

	g := h.cluster.Gossip()
	view := g.Reachability()

	resp := MembersResponse{
		Self:        h.cluster.Self().Address.String(),
		Members:     make([]Member, 0, len(g.Members)),
		Unreachable: make([]string, 0),
	}
	if leader, ok := gossip.Leader(g); ok {
		resp.Leader = leader.Address.String()
	}
	for _, m := range g.MemberList() {
		if filter && m.Status != only {
			continue
		}
		resp.Members = append(resp.Members, Member{
			Address:   m.Node.Address.String(),
			UID:       m.Node.UID,
			Status:    m.Status.String(),
			UpNumber:  m.UpNumber,
			Roles:     m.Roles,
			Since:     m.AdmittedAt().UTC(),
			Reachable: view.IsReachable(m.Node),
		})
	}
	for _, u := range view.Unreachable() {
		resp.Unreachable = append(resp.Unreachable, u.String())
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleState handles GET /cluster/state requests
func (h *Handler) handleState(w http.ResponseWriter, r *http.Request) {
	g := h.cluster.Gossip()

	resp := StateResponse{
		Self:         h.cluster.Self().String(),
		Version:      map[string]int64(g.Version.Copy()),
		Seen:         nodeStrings(g.Seen()),
		NotSeen:      nodeStrings(gossip.NotSeen(g)),
		Converged:    gossip.IsConverged(g),
		Tombstones:   make([]Tombstone, 0, len(g.Tombstones)),
		Reachability: make([]Report, 0),
	}
	if leader, ok := gossip.Leader(g); ok {
		resp.Leader = leader.String()
	}
	for _, t := range g.TombstoneList() {
		resp.Tombstones = append(resp.Tombstones, Tombstone{Node: t.Node.String(), RemovedAt: t.RemovedAt().UTC()})
	}
	for _, rep := range g.Reports() {
		out := Report{Observer: rep.Observer.String(), Version: rep.Version, Subjects: make([]Subject, 0, len(rep.Subjects))}
		for subject, s := range rep.Subjects {
			out.Subjects = append(out.Subjects, Subject{Node: subject.String(), Status: s.Status.String(), Version: s.Version})
		}
		resp.Reachability = append(resp.Reachability, out)
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleLeave handles POST /cluster/members/{address}/leave requests
func (h *Handler) handleLeave(w http.ResponseWriter, r *http.Request) {
	h.changeMember(w, r, "leave", h.cluster.Leave)
}

// handleDown handles POST /cluster/members/{address}/down requests
func (h *Handler) handleDown(w http.ResponseWriter, r *http.Request) {
	h.changeMember(w, r, "down", h.cluster.Down)
}

func (h *Handler) changeMember(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, address.Address) error) {
	addr, err := address.Parse(mux.Vars(r)["address"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := fn(r.Context(), addr); err != nil {
		switch {
		case errors.Is(err, gossip.ErrUnknownMember):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, gossip.ErrInvalidTransition):
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			h.logger.Error("member change failed", zap.String("op", op), zap.String("address", addr.String()), zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	h.logger.Info("member change requested", zap.String("op", op), zap.String("address", addr.String()))
	w.WriteHeader(http.StatusAccepted)
}

// handleHealth reports 200 while the node is an Up or WeaklyUp member.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "not-member"
	code := http.StatusServiceUnavailable
	if m, ok := h.cluster.Gossip().Member(h.cluster.Self()); ok {
		status = m.Status.String()
		if m.Status == gossip.Up || m.Status == gossip.WeaklyUp {
			code = http.StatusOK
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func nodeStrings(nodes []address.UniqueAddress) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.String())
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
