package models

// Member is a sponsor or cosponsor of a bill.
type Member struct {
	BioguideID string `json:"bioguide_id"`
	FullName   string `json:"full_name"`
	FirstName  string `json:"first_name,omitempty"`
	LastName   string `json:"last_name,omitempty"`
	Party      string `json:"party"`
	State      string `json:"state"`
	URL        string `json:"url,omitempty"`
	DateSigned string `json:"date_signed,omitempty"`
}

// Committee is a committee a bill was referred to.
type Committee struct {
	SystemCode string `json:"system_code"`
	Name       string `json:"name"`
	Type       string `json:"type,omitempty"`
	URL        string `json:"url,omitempty"`
	// MemberIDs lists bioguide ids of committee members when the data source provides them.
	MemberIDs []string `json:"member_ids,omitempty"`
}

// Action is a legislative action on a bill.
type Action struct {
	ActionCode string `json:"action_code,omitempty"`
	Text       string `json:"text"`
	ActionDate string `json:"action_date"`
	Chamber    string `json:"chamber,omitempty"`
	URL        string `json:"url,omitempty"`
}

// Amendment is a proposed amendment to a bill.
type Amendment struct {
	Number         string `json:"amendment_number"`
	Purpose        string `json:"purpose,omitempty"`
	Description    string `json:"description,omitempty"`
	Sponsor        string `json:"sponsor,omitempty"`
	IntroducedDate string `json:"introduced_date,omitempty"`
	URL            string `json:"url,omitempty"`
}

// PartyTally is a yea/nay count for one party in a roll call.
type PartyTally struct {
	Party string `json:"party"`
	Yea   int    `json:"yea"`
	Nay   int    `json:"nay"`
}

// Vote is a recorded roll call on a bill.
type Vote struct {
	RollCall    string       `json:"roll_call"`
	Question    string       `json:"question,omitempty"`
	Description string       `json:"description,omitempty"`
	VoteDate    string       `json:"vote_date,omitempty"`
	Chamber     string       `json:"chamber,omitempty"`
	Result      string       `json:"result,omitempty"`
	URL         string       `json:"url,omitempty"`
	Parties     []PartyTally `json:"parties,omitempty"`
}

// Hearing is a committee hearing associated with a bill.
type Hearing struct {
	Title        string   `json:"title"`
	JacketNumber string   `json:"jacket_number,omitempty"`
	Dates        []string `json:"dates,omitempty"`
	Citation     string   `json:"citation,omitempty"`
	URL          string   `json:"url,omitempty"`
	Committees   []string `json:"committees,omitempty"`
}

// BillData is the normalized record returned by the data provider.
type BillData struct {
	BillID         string      `json:"bill_id"`
	Congress       string      `json:"congress"`
	BillType       string      `json:"bill_type"`
	BillNumber     int         `json:"bill_number"`
	Title          string      `json:"title"`
	ShortTitle     string      `json:"short_title,omitempty"`
	Sponsor        *Member     `json:"sponsor,omitempty"`
	Cosponsors     []Member    `json:"cosponsors"`
	Committees     []Committee `json:"committees"`
	Actions        []Action    `json:"actions"`
	Amendments     []Amendment `json:"amendments"`
	Votes          []Vote      `json:"votes"`
	Hearings       []Hearing   `json:"hearings"`
	Summary        string      `json:"summary,omitempty"`
	Status         string      `json:"status,omitempty"`
	IntroducedDate string      `json:"introduced_date,omitempty"`
	LastActionDate string      `json:"last_action_date,omitempty"`
}

// CommitteeIDs returns the system codes of the bill's committees.
func (b *BillData) CommitteeIDs() []string {
	ids := make([]string, 0, len(b.Committees))
	for _, c := range b.Committees {
		if c.SystemCode != "" {
			ids = append(ids, c.SystemCode)
		}
	}
	return ids
}

// Metadata derives the artifact metadata for the bill.
func (b *BillData) Metadata() ArtifactMetadata {
	md := ArtifactMetadata{
		CommitteeIDs: b.CommitteeIDs(),
		Congress:     b.Congress,
		BillType:     b.BillType,
		BillNumber:   b.BillNumber,
	}
	if b.Sponsor != nil {
		md.SponsorBioguideID = b.Sponsor.BioguideID
	}
	return md
}

// TargetBills is the default set of bills processed by a run.
var TargetBills = []string{
	"H.R.1",
	"H.R.5371",
	"H.R.5401",
	"S.2296",
	"S.24",
	"S.2882",
	"S.499",
	"S.RES.412",
	"H.RES.353",
	"H.R.1968",
}
