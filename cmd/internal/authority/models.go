package authority

import (
	"strconv"
	"strings"
	"time"
)

// BlankValue is the domain sentinel for an explicit blank vote.
const BlankValue = "BLANK"

// LegacyBlankValue is the sentinel some authority deployments use on the wire.
const LegacyBlankValue = "BRANCO"

// User is the authenticated voter or administrator.
type User struct {
	CPF  string
	Name string
	Role string

	// Bearer is the session credential. It is only ever sent in the Authorization header.
	Bearer string
}

// Status is the derived lifecycle state of an election.
type Status string

const (
	StatusUpcoming Status = "futura"
	StatusActive   Status = "ativa"
	StatusClosed   Status = "encerrada"
)

// Election is one election with its ordered category names.
type Election struct {
	ID          string
	Name        string
	Description string
	Categories  []string
	StartsAt    time.Time
	EndsAt      time.Time
	Active      bool
	Status      Status
}

// DeriveStatus computes the election status at now.
// An election past its end is closed even when still flagged active.
func DeriveStatus(now, start, end time.Time, active bool) Status {
	switch {
	case now.After(end):
		return StatusClosed
	case active && !now.Before(start) && !now.After(end):
		return StatusActive
	case now.Before(start):
		return StatusUpcoming
	case active:
		return StatusActive
	default:
		return StatusClosed
	}
}

// Candidate is a ballot entry for one office.
type Candidate struct {
	ID       string
	Office   string
	Number   string
	Name     string
	State    string
	Party    string
	PhotoURL string
}

// IssuedToken is a fresh anonymous voting token as returned by the authority.
type IssuedToken struct {
	Token      string
	ValidUntil time.Time
}

// VotePair is one confirmed (category, value) selection of a ballot batch.
// Value is a candidate number or BlankValue.
type VotePair struct {
	CategoryID string
	Value      string
}

// BlockRef identifies the block that sealed a submission.
type BlockRef struct {
	Hash string
}

// Vote is one anonymized vote as stored in a block.
type Vote struct {
	ElectionID   string
	ElectionName string
	CategoryID   string
	CategoryName string
	Number       string
	Timestamp    time.Time
	BlockHash    string
}

// Blank reports whether the vote is an explicit blank.
func (v Vote) Blank() bool { return v.Number == BlankValue }

// Block is a sealed aggregation of votes from possibly many voters.
type Block struct {
	Hash      string
	PrevHash  string
	Timestamp time.Time
	Votes     []Vote
}

// BlockSummary is the block-level aggregate shown to a voter.
type BlockSummary struct {
	Hash      string
	Timestamp time.Time
	VoteCount int
}

// Validation is the authority's integrity verdict for one block.
type Validation struct {
	Valid   bool
	Message string
}

// MyBlocks is the decoded "my votes" response.
// The authority returns either block summaries or raw vote records; in the latter case
// only the distinct block hashes are kept so a caller cannot single out the voter's own votes.
type MyBlocks struct {
	Summaries   []BlockSummary
	BlockHashes []string
}

// CategoryID builds the stable identifier of the index-th category of an election.
// The name is normalised to its upper-case enum form; names are never dropped.
func CategoryID(electionID, name string, index int) string {
	return electionID + "-" + CategoryEnum(name) + "-" + strconv.Itoa(index)
}

// CategoryEnum normalises a category name to the authority's enum spelling.
func CategoryEnum(name string) string {
	return strings.Join(strings.Fields(strings.ToUpper(name)), "_")
}
