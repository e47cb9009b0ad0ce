package reachability

import (
	"fmt"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"clusterd/internal/address"
)

// MemberlistConfig configures the memberlist-backed failure detector.
type MemberlistConfig struct {
	BindAddr string
	BindPort int
	Seeds    []string
}

// MemberlistSource adapts memberlist membership events into verdicts. Each
// memberlist node is named after the UniqueAddress of the cluster node it
// monitors.
type MemberlistSource struct {
	sink   Sink
	logger *zap.Logger
}

// NewMemberlistSource creates an event delegate that forwards to sink.
func NewMemberlistSource(sink Sink, logger *zap.Logger) *MemberlistSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemberlistSource{sink: sink, logger: logger}
}

// NotifyJoin is invoked when a node is detected to have joined.
func (s *MemberlistSource) NotifyJoin(n *memberlist.Node) {
	s.emit(n, Reachable)
}

// NotifyLeave is invoked when a node is detected to have left or failed.
func (s *MemberlistSource) NotifyLeave(n *memberlist.Node) {
	s.emit(n, Unreachable)
}

// NotifyUpdate is invoked when a node's metadata changes; it is alive.
func (s *MemberlistSource) NotifyUpdate(n *memberlist.Node) {
	s.emit(n, Reachable)
}

func (s *MemberlistSource) emit(n *memberlist.Node, status Status) {
	subject, err := address.ParseUnique(n.Name)
	if err != nil {
		s.logger.Debug("ignoring memberlist node with foreign name", zap.String("name", n.Name), zap.Error(err))
		return
	}
	s.sink(Verdict{Subject: subject, Status: status})
}

var _ memberlist.EventDelegate = (*MemberlistSource)(nil)

// StartMemberlist creates a memberlist instance named after self, wires the
// source as its event delegate and joins the configured seeds.
func StartMemberlist(cfg MemberlistConfig, self address.UniqueAddress, source *MemberlistSource, logger *zap.Logger) (*memberlist.Memberlist, error) {
	conf := memberlist.DefaultLANConfig()
	conf.Name = self.String()
	if cfg.BindAddr != "" {
		conf.BindAddr = cfg.BindAddr
	}
	conf.BindPort = cfg.BindPort
	conf.AdvertisePort = cfg.BindPort
	conf.Events = source
	conf.LogOutput = nil
	conf.Logger = zap.NewStdLog(logger.Named("memberlist"))

	list, err := memberlist.Create(conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create memberlist: %w", err)
	}

	if len(cfg.Seeds) > 0 {
		if _, err := list.Join(cfg.Seeds); err != nil {
			logger.Warn("memberlist join failed, continuing alone", zap.Strings("seeds", cfg.Seeds), zap.Error(err))
		}
	}
	return list, nil
}

// StopMemberlist leaves the memberlist cluster and shuts it down.
func StopMemberlist(list *memberlist.Memberlist, timeout time.Duration) error {
	if err := list.Leave(timeout); err != nil {
		return fmt.Errorf("failed to leave memberlist: %w", err)
	}
	if err := list.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown memberlist: %w", err)
	}
	return nil
}
