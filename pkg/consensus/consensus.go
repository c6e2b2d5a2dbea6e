// pkg/consensus/consensus.go
package consensus

import (
	"sort"
	"time"

	"github.com/xtoazt/paper-sub000/pkg/types"
)

type voteGroup struct {
	owner      string
	content    string
	records    []*types.Record
	maxCreated int64
}

// achieveConsensus groups verified, unexpired candidates by (owner, content)
// and elects the largest group. Ties go to the group with the newer latest
// record, then to the lexicographically smaller owner. The winner is the
// newest record of the winning group with its replica count stamped on.
//
// Votes are counted per candidate, not per distinct peer, so a peer that
// answers more than once inflates its group.
func achieveConsensus(name string, candidates []*types.Record, now time.Time) *types.ConsensusResult {
	result := &types.ConsensusResult{Name: name, CandidateRecords: candidates}

	groups := make(map[string]*voteGroup)
	for _, rec := range candidates {
		if rec.Name != name || rec.Expired(now) || !rec.VerifySignature() {
			// Unverified and expired records stay visible as candidates but
			// never win.
			continue
		}
		key := rec.Owner + "|" + rec.Content
		g := groups[key]
		if g == nil {
			g = &voteGroup{owner: rec.Owner, content: rec.Content}
			groups[key] = g
		}
		g.records = append(g.records, rec)
		if rec.CreatedAt > g.maxCreated {
			g.maxCreated = rec.CreatedAt
		}
	}
	if len(groups) == 0 {
		return result
	}

	ordered := make([]*voteGroup, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if len(a.records) != len(b.records) {
			return len(a.records) > len(b.records)
		}
		if a.maxCreated != b.maxCreated {
			return a.maxCreated > b.maxCreated
		}
		if a.owner != b.owner {
			return a.owner < b.owner
		}
		return a.content < b.content
	})

	best := ordered[0]
	winner := newestRecord(best.records).Clone()
	winner.Verified = true
	winner.Replicas = len(best.records)

	result.WinningRecord = winner
	result.AgreementPct = float64(len(best.records)) / float64(len(candidates)) * 100
	return result
}

func newestRecord(records []*types.Record) *types.Record {
	newest := records[0]
	for _, rec := range records[1:] {
		if rec.CreatedAt > newest.CreatedAt {
			newest = rec
		}
	}
	return newest
}
