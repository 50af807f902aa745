package session

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/msageha/delegator/internal/model"
	"github.com/msageha/delegator/internal/store"
)

// RecoveryReport summarizes a startup scan of the store.
type RecoveryReport struct {
	Scanned int      `json:"scanned"`
	Orphans []string `json:"orphans"`
	Skipped int      `json:"skipped"`
}

// Recover loads every non-terminal durable record into the hot table without a
// process handle. Such sessions are reported as indeterminate; nothing resumes
// them. Terminal records stay in the store only.
func (m *Manager) Recover() (RecoveryReport, error) {
	var report RecoveryReport
	ids, err := m.store.List()
	if err != nil {
		return report, fmt.Errorf("scan sessions: %w", err)
	}

	for _, id := range ids {
		report.Scanned++
		rec, err := m.store.LoadStatus(id)
		if err != nil {
			report.Skipped++
			m.logger.Warn().Err(err).Str("session_id", id).Msg("skip unreadable session record")
			continue
		}
		if model.IsTerminal(rec.Status) {
			continue
		}

		m.mu.Lock()
		if _, ok := m.sessions[id]; !ok {
			m.sessions[id] = &session{rec: *rec, orphan: true}
			report.Orphans = append(report.Orphans, id)
		}
		m.mu.Unlock()
		m.logger.Warn().Str("session_id", id).Str("status", string(rec.Status)).
			Msg("orphaned session: no live process, status indeterminate")
	}
	return report, nil
}

// CleanupReport lists what one cleanup pass did.
type CleanupReport struct {
	Removed []string `json:"removed"`
	Kept    int      `json:"kept"`
	Failed  int      `json:"failed"`
}

// Cleanup deletes terminal sessions older than the retention window. Failures
// on individual records are logged and skipped. Non-terminal sessions are never
// removed, whatever their age.
func (m *Manager) Cleanup(ctx context.Context) CleanupReport {
	var report CleanupReport
	ids, err := m.store.List()
	if err != nil {
		m.logger.Error().Err(err).Msg("cleanup: list sessions")
		report.Failed++
		return report
	}

	now := m.now()
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if s := m.hot(id); s != nil {
			s.mu.Lock()
			busy := !model.IsTerminal(s.rec.Status) || s.handle != nil
			s.mu.Unlock()
			if busy {
				report.Kept++
				continue
			}
		}

		rec, err := m.store.LoadStatus(id)
		if err != nil {
			m.logger.Warn().Err(err).Str("session_id", id).Msg("cleanup: skip unreadable record")
			report.Failed++
			continue
		}
		if !model.IsTerminal(rec.Status) {
			report.Kept++
			continue
		}
		finished := rec.UpdatedAt
		if rec.CompletedAt != nil {
			finished = *rec.CompletedAt
		}
		if now.Sub(finished) < m.cfg.Retention {
			report.Kept++
			continue
		}

		unlock := m.writes.Lock(id)
		err = m.store.Delete(id)
		unlock()
		if err != nil {
			m.logger.Warn().Err(err).Str("session_id", id).Msg("cleanup: delete failed")
			report.Failed++
			continue
		}
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		report.Removed = append(report.Removed, id)
	}

	if len(report.Removed) > 0 {
		m.logger.Info().Int("removed", len(report.Removed)).Int("kept", report.Kept).Msg("cleanup finished")
	}
	return report
}

// List merges the hot table with durable records, newest start first.
func (m *Manager) List(filter model.SessionFilter) ([]model.SessionView, error) {
	m.mu.Lock()
	hot := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		hot = append(hot, s)
	}
	m.mu.Unlock()

	seen := make(map[string]bool, len(hot))
	var views []model.SessionView
	for _, s := range hot {
		v := s.view()
		seen[v.ID] = true
		if filter.Match(&v.SessionRecord) {
			views = append(views, *v)
		}
	}

	ids, err := m.store.List()
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		rec, err := m.store.LoadStatus(id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				m.logger.Warn().Err(err).Str("session_id", id).Msg("list: skip unreadable record")
			}
			continue
		}
		if filter.Match(rec) {
			views = append(views, model.SessionView{SessionRecord: *rec})
		}
	}

	sort.Slice(views, func(i, j int) bool {
		ti, tj := views[i].SortTime(), views[j].SortTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return views[i].ID > views[j].ID
	})
	return views, nil
}
