// Package forks grows and prunes the account tree. Sleeves that cross their
// capital thresholds spawn children; children that hit their age or multiple
// caps merge back to the Compounder at the root of their genealogy. Every
// operation is an atomic ledger append with compensating entries on failure.
package forks

import (
	"fmt"
	"strings"
	"time"

	"github.com/alluse/engine/internal/clock"
	"github.com/alluse/engine/internal/config"
	"github.com/alluse/engine/internal/domain"
	"github.com/alluse/engine/internal/events"
	"github.com/alluse/engine/internal/store"
	"github.com/rs/zerolog"
)

// MiniCompound caps: merge back after three years or at three times the
// opening capital, whichever comes first.
const (
	miniAgeCap      = 3 * 365 * 24 * time.Hour
	miniMultipleCap = 3.0
)

// A forked root splits its capital 40/30/30 across its own sleeve triad.
const (
	triadGeneratorShare  = 0.40
	triadRevenueShare    = 0.30
	triadCompounderShare = 0.30
)

// Manager evaluates fork and merge triggers. Called once per account at the
// weekly reconciliation.
type Manager struct {
	store *store.Store
	bus   *events.Bus
	clk   clock.Clock
	log   zerolog.Logger

	genThreshold float64
	revThreshold float64
}

// NewManager creates a fork/merge manager
func NewManager(st *store.Store, bus *events.Bus, clk clock.Clock, cfg *config.Config, log zerolog.Logger) *Manager {
	return &Manager{
		store:        st,
		bus:          bus,
		clk:          clk,
		log:          log.With().Str("component", "forks").Logger(),
		genThreshold: cfg.ForkThresholdGen,
		revThreshold: cfg.ForkThresholdRev,
	}
}

// Evaluate applies the fork or merge rule for one account. Generators spawn
// MiniCompound children per threshold increment, Revenue sleeves spawn full
// forked roots, MiniCompounds are checked against their caps. Other kinds
// never fork.
func (m *Manager) Evaluate(cycleID, accountID string) error {
	acct, err := m.store.Accounts.Get(accountID)
	if err != nil {
		return err
	}
	if acct == nil {
		return fmt.Errorf("account %s not found", accountID)
	}

	switch acct.Kind {
	case domain.KindGenerator:
		return m.forkGenerator(cycleID, accountID)
	case domain.KindRevenue:
		return m.forkRevenue(cycleID, accountID)
	case domain.KindMiniCompound:
		return m.evaluateMerge(cycleID, acct)
	default:
		return nil
	}
}

// forkGenerator spawns one MiniCompound child per full threshold increment of
// realized gain not yet consumed by earlier forks.
func (m *Manager) forkGenerator(cycleID, accountID string) error {
	for {
		acct, err := m.store.Accounts.Get(accountID)
		if err != nil {
			return err
		}
		if acct.Status != domain.AccountActive || acct.RealizedGainSinceBase() < m.genThreshold {
			return nil
		}

		childID := fmt.Sprintf("%s-mc%d", accountID, acct.ForkCount+1)
		genealogy := acct.GenealogyPath + "/" + childID

		if err := m.store.Fork(cycleID, accountID, childID, domain.KindMiniCompound, m.genThreshold, genealogy); err != nil {
			if cerr := m.store.CompensateFork(cycleID, accountID, childID, m.genThreshold); cerr != nil {
				m.log.Error().Err(cerr).Str("child", childID).Msg("Fork compensation failed")
			}
			return fmt.Errorf("generator fork of %s failed: %w", accountID, err)
		}

		m.log.Info().Str("parent", accountID).Str("child", childID).Float64("amount", m.genThreshold).Msg("MiniCompound forked")
		m.bus.Publish(&events.ForkCompletedData{ParentID: accountID, ChildID: childID, Amount: m.genThreshold})
	}
}

// forkRevenue spawns a full forked root per threshold increment: the root
// account plus its 40/30/30 sleeve triad. A failure anywhere unwinds the
// whole operation with compensating entries.
func (m *Manager) forkRevenue(cycleID, accountID string) error {
	for {
		acct, err := m.store.Accounts.Get(accountID)
		if err != nil {
			return err
		}
		if acct.Status != domain.AccountActive || acct.RealizedGainSinceBase() < m.revThreshold {
			return nil
		}

		rootID := fmt.Sprintf("%s-root%d", accountID, acct.ForkCount+1)
		genealogy := acct.GenealogyPath + "/" + rootID

		if err := m.store.Fork(cycleID, accountID, rootID, domain.KindForkedRoot, m.revThreshold, genealogy); err != nil {
			if cerr := m.store.CompensateFork(cycleID, accountID, rootID, m.revThreshold); cerr != nil {
				m.log.Error().Err(cerr).Str("child", rootID).Msg("Fork compensation failed")
			}
			return fmt.Errorf("revenue fork of %s failed: %w", accountID, err)
		}

		triad := []struct {
			suffix string
			kind   domain.AccountKind
			share  float64
		}{
			{"-gen", domain.KindGenerator, triadGeneratorShare},
			{"-rev", domain.KindRevenue, triadRevenueShare},
			{"-com", domain.KindCompounder, triadCompounderShare},
		}

		type carved struct {
			id     string
			amount float64
		}
		var done []carved
		for _, leg := range triad {
			childID := rootID + leg.suffix
			amount := m.revThreshold * leg.share
			if err := m.store.Fork(cycleID, rootID, childID, leg.kind, amount, genealogy+"/"+childID); err != nil {
				for _, c := range done {
					if cerr := m.store.CompensateFork(cycleID, rootID, c.id, c.amount); cerr != nil {
						m.log.Error().Err(cerr).Str("child", c.id).Msg("Triad compensation failed")
					}
				}
				if cerr := m.store.CompensateFork(cycleID, accountID, rootID, m.revThreshold); cerr != nil {
					m.log.Error().Err(cerr).Str("child", rootID).Msg("Root compensation failed")
				}
				return fmt.Errorf("triad fork under %s failed: %w", rootID, err)
			}
			done = append(done, carved{childID, amount})
		}

		m.log.Info().Str("parent", accountID).Str("root", rootID).Float64("amount", m.revThreshold).Msg("Forked root spawned")
		m.bus.Publish(&events.ForkCompletedData{ParentID: accountID, ChildID: rootID, Amount: m.revThreshold})
	}
}

// evaluateMerge checks a MiniCompound against its caps. A capped child stops
// taking entries (Merging) and transfers its balance to the genealogy root's
// Compounder once flat.
func (m *Manager) evaluateMerge(cycleID string, acct *domain.Account) error {
	if acct.Status == domain.AccountClosed {
		return nil
	}

	age := m.clk.Now().Sub(acct.CreatedAt)
	capped := age >= miniAgeCap || acct.Cash >= miniMultipleCap*acct.OpeningCapital
	if !capped {
		return nil
	}

	open, err := m.store.Positions.OpenByAccount(acct.ID)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		if acct.Status != domain.AccountMerging {
			m.log.Info().Str("account", acct.ID).Int("open_positions", len(open)).Msg("Cap reached, draining before merge")
			return m.store.SetAccountStatus(cycleID, acct.ID, domain.AccountMerging, "age/multiple cap reached")
		}
		return nil
	}

	if acct.Status != domain.AccountMerging {
		if err := m.store.SetAccountStatus(cycleID, acct.ID, domain.AccountMerging, "age/multiple cap reached"); err != nil {
			return err
		}
	}

	rootID, err := m.mergeTarget(acct)
	if err != nil {
		return err
	}
	amount := acct.Cash
	if err := m.store.Merge(cycleID, rootID, acct.ID, amount); err != nil {
		return err
	}

	m.log.Info().Str("child", acct.ID).Str("root", rootID).Float64("amount", amount).Msg("MiniCompound merged")
	m.bus.Publish(&events.ForkCompletedData{ParentID: rootID, ChildID: acct.ID, Amount: amount, Merge: true})
	return nil
}

// mergeTarget resolves the Compounder that receives a merge: the triad
// Compounder of the nearest forked-root ancestor, or the system's genesis
// Compounder when the genealogy has none.
func (m *Manager) mergeTarget(child *domain.Account) (string, error) {
	segments := strings.Split(child.GenealogyPath, "/")
	for i := len(segments) - 2; i >= 0; i-- {
		anc, err := m.store.Accounts.Get(segments[i])
		if err != nil {
			return "", err
		}
		if anc == nil || anc.Kind != domain.KindForkedRoot {
			continue
		}
		children, err := m.store.Accounts.Children(anc.ID)
		if err != nil {
			return "", err
		}
		for j := range children {
			if children[j].Kind == domain.KindCompounder {
				return children[j].ID, nil
			}
		}
	}

	all, err := m.store.Accounts.All()
	if err != nil {
		return "", err
	}
	for i := range all {
		if all[i].Kind == domain.KindCompounder && all[i].ParentID == "" {
			return all[i].ID, nil
		}
	}
	return "", fmt.Errorf("no compounder in genealogy of %s", child.ID)
}
