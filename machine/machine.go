// Package machine is the top-level simulator driver: it builds one core
// per config.CoreConfig entry (atomcore or ooocore, selected by Kind),
// attaches architectural contexts, and steps every core one cycle at a
// time for MaxCycles, matching the teacher's top-level SupraX driver loop.
package machine

import (
	"github.com/avadhpatel/suprax-core/atomcore"
	"github.com/avadhpatel/suprax-core/config"
	"github.com/avadhpatel/suprax-core/decode"
	"github.com/avadhpatel/suprax-core/extiface"
	"github.com/avadhpatel/suprax-core/logx"
	"github.com/avadhpatel/suprax-core/ooocore"
	"github.com/avadhpatel/suprax-core/stats"
	"github.com/rs/zerolog"
)

// Core is the common surface machine needs from either pipeline
// implementation, letting Machine stay ignorant of which kind a given
// config slot selected.
type Core interface {
	Tick()
	AttachContext(threadID int, ctx extiface.Context)
}

// Machine owns every core in the simulated system plus the cycle loop.
type Machine struct {
	Cfg   config.Machine
	Cores []Core
	Log   zerolog.Logger

	cycle uint64
}

// New builds a Machine from cfg. src supplies instruction bytes (shared
// across cores, as it would be for a single guest image), mh/bp/assists
// are the external collaborators every core consults, and st is where
// metrics land (stats.Noop{} is fine for an offline run).
func New(cfg config.Machine, src decode.ByteSource, mh extiface.MemoryHierarchy, bp extiface.BranchPredictor, assists extiface.AssistTable, st stats.Stats) *Machine {
	if err := logx.SetLevel(cfg.LogLevel); err != nil {
		logx.Base.Warn().Err(err).Str("level", cfg.LogLevel).Msg("invalid log level, leaving default")
	}
	if st == nil {
		st = stats.Noop{}
	}
	m := &Machine{Cfg: cfg, Log: logx.New("machine")}
	for i, cc := range cfg.Cores {
		switch cc.Kind {
		case config.PipelineAtom:
			m.Cores = append(m.Cores, atomcore.New(i, cc, src, mh, bp, assists, st, 8))
		default:
			m.Cores = append(m.Cores, ooocore.New(i, cc, src, mh, bp, assists, st))
		}
	}
	return m
}

// AttachContext binds coreID/threadID's architectural-state provider.
func (m *Machine) AttachContext(coreID, threadID int, ctx extiface.Context) {
	m.Cores[coreID].AttachContext(threadID, ctx)
}

// Run steps every core for up to cfg.MaxCycles cycles, logging a progress
// line every StatsEvery cycles the way the teacher's driver reports
// throughput during a long batch run.
func (m *Machine) Run() {
	for m.cycle = 1; m.Cfg.MaxCycles == 0 || m.cycle <= m.Cfg.MaxCycles; m.cycle++ {
		for _, c := range m.Cores {
			c.Tick()
		}
		if m.Cfg.StatsEvery != 0 && m.cycle%m.Cfg.StatsEvery == 0 {
			m.Log.Info().Uint64("cycle", m.cycle).Msg("progress")
		}
	}
}

// Cycle reports the current simulated cycle count.
func (m *Machine) Cycle() uint64 { return m.cycle }
