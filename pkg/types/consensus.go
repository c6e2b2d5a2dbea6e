// pkg/types/consensus.go
package types

// ConsensusResult is the outcome of collecting candidate records for a name
// from several sources and scoring their agreement. CandidateRecords keeps
// every collected record, verified or not, for observability; WinningRecord
// is nil when no candidate survived verification.
type ConsensusResult struct {
	Name             string    `json:"name"`
	CandidateRecords []*Record `json:"candidateRecords"`
	WinningRecord    *Record   `json:"winningRecord"`
	AgreementPct     float64   `json:"agreementPct"`
}
