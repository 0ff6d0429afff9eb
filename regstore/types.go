package regstore

// AuthorityLevel classifies the precedence of the issuing source.
// The total order LAW > GUIDANCE > PROCEDURE > PRACTICE drives conflict
// arbitration.
type AuthorityLevel string

const (
	AuthorityLaw       AuthorityLevel = "law"
	AuthorityGuidance  AuthorityLevel = "guidance"
	AuthorityProcedure AuthorityLevel = "procedure"
	AuthorityPractice  AuthorityLevel = "practice"
)

// authorityRank maps levels to comparable precedence; higher wins.
var authorityRank = map[AuthorityLevel]int{
	AuthorityLaw:       4,
	AuthorityGuidance:  3,
	AuthorityProcedure: 2,
	AuthorityPractice:  1,
}

// Rank returns the precedence of the level, 0 for unknown.
func (a AuthorityLevel) Rank() int { return authorityRank[a] }

// Valid reports whether the level is one of the four known values.
func (a AuthorityLevel) Valid() bool { return authorityRank[a] != 0 }

// RiskTier classifies business impact: T0 (money/legal, human gate) down to
// T3 (narrative, auto-approvable).
type RiskTier string

const (
	TierT0 RiskTier = "T0"
	TierT1 RiskTier = "T1"
	TierT2 RiskTier = "T2"
	TierT3 RiskTier = "T3"
)

// Valid reports whether the tier is T0–T3.
func (t RiskTier) Valid() bool {
	switch t {
	case TierT0, TierT1, TierT2, TierT3:
		return true
	}
	return false
}

// RequiresHuman reports whether the tier is gated on a human approver.
func (t RiskTier) RequiresHuman() bool { return t == TierT0 || t == TierT1 }

// RuleStatus is the review state machine position of a rule.
type RuleStatus string

const (
	StatusDraft         RuleStatus = "draft"
	StatusPendingReview RuleStatus = "pending_review"
	StatusApproved      RuleStatus = "approved"
	StatusRejected      RuleStatus = "rejected"
	StatusPublished     RuleStatus = "published"
	StatusDeprecated    RuleStatus = "deprecated"
)

// ConflictType classifies why two rules contradict.
type ConflictType string

const (
	ConflictSource   ConflictType = "source"
	ConflictScope    ConflictType = "scope"
	ConflictTemporal ConflictType = "temporal"
)

// ConflictStatus is the lifecycle of a detected contradiction.
type ConflictStatus string

const (
	ConflictOpen      ConflictStatus = "open"
	ConflictResolved  ConflictStatus = "resolved"
	ConflictEscalated ConflictStatus = "escalated"
)

// SourcePointer is a claim extracted from one evidence record: the exact
// supporting quote, the typed value it carries, and the extractor's
// confidence. Immutable once attached to a rule.
type SourcePointer struct {
	ID         string  `json:"id"`
	EvidenceID string  `json:"evidence_id"`
	RuleID     string  `json:"rule_id,omitempty"` // "" until composed
	Quote      string  `json:"quote"`
	Value      string  `json:"value"`
	ValueType  string  `json:"value_type"` // percent | money | date | duration | number | text
	Domain     string  `json:"domain"`     // vat | income_tax | deadlines | procedures | ...
	Confidence float64 `json:"confidence"`
	CreatedAt  int64   `json:"created_at"`
}

// Concept names a regulatory topic that groups rules over time.
type Concept struct {
	Slug      string `json:"slug"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
}

// Rule is a structured, machine-evaluable regulatory fact.
type Rule struct {
	ID            string         `json:"id"`
	ConceptSlug   string         `json:"concept_slug"`
	PredicateJSON string         `json:"applies_when"` // applieswhen wire form
	Value         string         `json:"value"`
	ValueType     string         `json:"value_type"`
	Authority     AuthorityLevel `json:"authority"`
	RiskTier      RiskTier       `json:"risk_tier"`
	Status        RuleStatus     `json:"status"`
	ApprovedBy    string         `json:"approved_by,omitempty"`
	RejectReason  string         `json:"reject_reason,omitempty"`
	ReviewNotes   string         `json:"review_notes,omitempty"`
	// SourceDate is the publication date of the backing source document
	// (ISO day), used for the arbiter's recency tiebreak.
	SourceDate string `json:"source_date,omitempty"`
	// SupersededBy points at the winning rule after deprecation, for audit.
	SupersededBy string `json:"superseded_by,omitempty"`
	ReleaseID    string `json:"release_id,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Conflict records a detected contradiction between two or more rules whose
// applicability scopes intersect.
type Conflict struct {
	ID        string         `json:"id"`
	RuleIDs   []string       `json:"rule_ids"`
	Type      ConflictType   `json:"type"`
	Status    ConflictStatus `json:"status"`
	WinnerID  string         `json:"winner_id,omitempty"`
	Rationale string         `json:"rationale,omitempty"`
	// InputsJSON preserves the comparison inputs (authorities, source dates)
	// used by the resolution, for audit replay.
	InputsJSON string `json:"inputs,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	ResolvedAt int64  `json:"resolved_at,omitempty"`
}

// Release is an immutable, content-hashed, versioned bundle of rules.
type Release struct {
	ID          string   `json:"id"`
	Version     string   `json:"version"`
	ReleaseType string   `json:"release_type"` // major | minor | patch
	ContentHash string   `json:"content_hash"`
	RuleIDs     []string `json:"rule_ids"`
	// Changelog summarizes what the release did per rule.
	PublishedCount  int    `json:"published_count"`
	DeprecatedCount int    `json:"deprecated_count"`
	ChangelogJSON   string `json:"changelog,omitempty"`
	PublishedAt     int64  `json:"published_at"`
}

// AgentRun records one stage execution over one subject, making repeated
// failures operator-visible.
type AgentRun struct {
	ID         string `json:"id"`
	Stage      string `json:"stage"`
	SubjectID  string `json:"subject_id"`
	Status     string `json:"status"` // running | ok | failed
	Error      string `json:"error,omitempty"`
	Attempt    int    `json:"attempt"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}
