package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/weftlabs/weft/internal/debug"
	"github.com/weftlabs/weft/internal/dedupe"
	"github.com/weftlabs/weft/internal/types"
)

// ActionType classifies one planned step of a sync run.
type ActionType string

// Plan action classes, in execution order. Local mutations land first so
// the remote calls that follow work from settled state; conflict flagging
// runs last because it only records what earlier classes left unsettled.
const (
	ActionArchiveLocal ActionType = "archive-local"
	ActionUpdateLocal  ActionType = "update-local"
	ActionPush         ActionType = "push"
	ActionDeleteRemote ActionType = "delete-remote"
	ActionFlagConflict ActionType = "flag-conflict"
)

var actionOrder = map[ActionType]int{
	ActionArchiveLocal: 0,
	ActionUpdateLocal:  1,
	ActionPush:         2,
	ActionDeleteRemote: 3,
	ActionFlagConflict: 4,
}

// Action is one planned step.
type Action struct {
	Type     ActionType
	RecordID string
	Backend  string // empty for purely local steps
	RemoteID string // set when the step targets a known remote copy
	Reason   string
}

// pairKey identifies one record's pairing with one backend.
type pairKey struct{ record, backend string }

// Plan is the ordered list of steps the executor takes. Identical inputs
// produce the identical plan: classes run in fixed order and entries sort
// by record ID, then backend, within each class.
type Plan struct {
	Actions []Action
}

func (p *Plan) add(a Action) { p.Actions = append(p.Actions, a) }

func (p *Plan) sort() {
	sort.SliceStable(p.Actions, func(i, j int) bool {
		a, b := p.Actions[i], p.Actions[j]
		if actionOrder[a.Type] != actionOrder[b.Type] {
			return actionOrder[a.Type] < actionOrder[b.Type]
		}
		if a.RecordID != b.RecordID {
			return a.RecordID < b.RecordID
		}
		return a.Backend < b.Backend
	})
}

func (p *Plan) byType(t ActionType) []Action {
	var out []Action
	for _, a := range p.Actions {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// Entries converts the plan into its report form.
func (p *Plan) Entries() []PlanEntry {
	out := make([]PlanEntry, 0, len(p.Actions))
	for _, a := range p.Actions {
		out = append(out, PlanEntry{
			Action:  string(a.Type),
			Record:  a.RecordID,
			Backend: a.Backend,
			Reason:  a.Reason,
		})
	}
	return out
}

// buildPlan turns the reconciled pairs and duplicate resolutions into an
// ordered action plan. deleteRemote reflects the --delete flag: archived
// duplicates' remote copies are deleted instead of transferred.
func buildPlan(pairs []*pair, dupes []dedupe.Resolution, working *workingSet, deleteRemote bool) *Plan {
	plan := &Plan{}

	// Records the duplicate detector archived drop their pair actions:
	// their content already folded into the canonical, and their remote
	// copies are either transferred or deleted below.
	archived := make(map[string]bool)
	for _, res := range dupes {
		for _, dup := range res.Group.Duplicates {
			archived[dup.ID] = true
		}
	}

	// A canonical creating its first remote copy on a backend waits until
	// the doomed duplicate copies there are gone: the create's natural-key
	// match could adopt a copy this same run deletes right behind it. The
	// next run pushes into clean space.
	deferCreate := make(map[pairKey]bool)
	if deleteRemote {
		for _, res := range dupes {
			for _, rc := range res.RemoteCopies {
				deferCreate[pairKey{res.Group.Canonical.ID, rc.Backend}] = true
			}
		}
	}

	index := make(map[pairKey]*pair, len(pairs))

	for _, p := range pairs {
		if p.local == nil || archived[p.local.ID] {
			continue
		}
		index[pairKey{p.local.ID, p.backend}] = p
		if len(p.flagged) > 0 {
			plan.add(Action{
				Type:     ActionFlagConflict,
				RecordID: p.local.ID,
				Backend:  p.backend,
				Reason:   flagReason(p),
			})
		}
		if p.skipped {
			continue
		}
		if p.pull {
			plan.add(Action{
				Type:     ActionUpdateLocal,
				RecordID: p.local.ID,
				Backend:  p.backend,
				Reason:   pullReason(p),
			})
		}
		if p.push {
			remoteID, _ := p.local.RemoteID(p.backend)
			if remoteID == "" && deferCreate[pairKey{p.local.ID, p.backend}] {
				debug.Logf("plan: deferring create of %s on %s until duplicate remote copies are removed",
					p.local.ID, p.backend)
				continue
			}
			plan.add(Action{
				Type:     ActionPush,
				RecordID: p.local.ID,
				Backend:  p.backend,
				RemoteID: remoteID,
				Reason:   pushReason(p, remoteID),
			})
		}
	}

	// Duplicate resolutions archive the losers and fold their content into
	// the canonical record, which then re-syncs wherever it is linked.
	pushed := make(map[pairKey]bool)
	for _, a := range plan.byType(ActionPush) {
		pushed[pairKey{a.RecordID, a.Backend}] = true
	}
	for _, res := range dupes {
		canonical := res.Group.Canonical
		for _, dup := range res.Group.Duplicates {
			plan.add(Action{
				Type:     ActionArchiveLocal,
				RecordID: dup.ID,
				Reason:   fmt.Sprintf("duplicate of %s (%s match)", canonical.ID, res.Group.Match),
			})
		}
		plan.add(Action{
			Type:     ActionUpdateLocal,
			RecordID: canonical.ID,
			Reason:   fmt.Sprintf("absorb content of %s", idList(res.Group.Duplicates)),
		})
		for backendName, remoteID := range res.TransferredLinks {
			k := pairKey{canonical.ID, backendName}
			if pushed[k] {
				continue
			}
			pushed[k] = true
			plan.add(Action{
				Type:     ActionPush,
				RecordID: canonical.ID,
				Backend:  backendName,
				RemoteID: remoteID,
				Reason:   "update transferred remote copy",
			})
		}
		for _, rc := range res.RemoteCopies {
			if !deleteRemote {
				continue
			}
			plan.add(Action{
				Type:     ActionDeleteRemote,
				RecordID: rc.RecordID,
				Backend:  rc.Backend,
				RemoteID: rc.RemoteID,
				Reason:   fmt.Sprintf("remote copy of duplicate archived into %s", canonical.ID),
			})
		}

		// Merging duplicate content may have moved the canonical off what
		// its linked backends last saw; make sure those copies follow.
		for backendName := range canonical.Remotes {
			k := pairKey{canonical.ID, backendName}
			if pushed[k] {
				continue
			}
			p := index[k]
			if p == nil || p.skipped || len(p.flagged) > 0 || p.remote == nil {
				continue
			}
			if rec := working.get(canonical.ID); rec != nil && !types.SnapshotOf(rec).Equal(p.remote.Snapshot) {
				pushed[k] = true
				remoteID, _ := rec.RemoteID(backendName)
				plan.add(Action{
					Type:     ActionPush,
					RecordID: canonical.ID,
					Backend:  backendName,
					RemoteID: remoteID,
					Reason:   "sync merged duplicate content",
				})
			}
		}
	}

	plan.sort()
	return plan
}

func pullReason(p *pair) string {
	switch {
	case p.imported:
		return "import remote record"
	case p.healLink:
		return "record agreed remote snapshot"
	case p.firstContact && len(p.pullFields) == 0:
		return "link remote copy"
	case p.firstContact:
		return fmt.Sprintf("link remote copy, apply remote changes (%s)", strings.Join(p.pullFields, ", "))
	default:
		return fmt.Sprintf("apply remote changes (%s)", strings.Join(p.pullFields, ", "))
	}
}

func pushReason(p *pair, remoteID string) string {
	if remoteID == "" {
		return "create remote record"
	}
	if len(p.pushFields) == 0 {
		return "update remote record"
	}
	return fmt.Sprintf("update remote (%s)", strings.Join(p.pushFields, ", "))
}

func flagReason(p *pair) string {
	fields := make([]string, 0, len(p.flagged))
	for _, c := range p.flagged {
		fields = append(fields, c.Field)
	}
	return fmt.Sprintf("unresolved conflict on %s", strings.Join(fields, ", "))
}

func idList(records []*types.Record) string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	return strings.Join(ids, ", ")
}
