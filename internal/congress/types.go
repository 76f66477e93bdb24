package congress

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
)

// Wire shapes of the v3 API responses. Only fields the pipeline reads are decoded.

// flexString accepts a JSON string or number; roll calls and amendment
// numbers appear as both.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type apiMember struct {
	BioguideID string `json:"bioguideId"`
	FullName   string `json:"fullName"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Party      string `json:"party"`
	State      string `json:"state"`
	URL        string `json:"url"`
	DateSigned string `json:"sponsorshipDate"`
}

func (m apiMember) toModel() models.Member {
	return models.Member{
		BioguideID: m.BioguideID,
		FullName:   m.FullName,
		FirstName:  m.FirstName,
		LastName:   m.LastName,
		Party:      m.Party,
		State:      m.State,
		URL:        m.URL,
		DateSigned: m.DateSigned,
	}
}

type apiBill struct {
	Title          string      `json:"title"`
	IntroducedDate string      `json:"introducedDate"`
	Sponsors       []apiMember `json:"sponsors"`
	Titles         []apiTitle  `json:"titles"`
	ShortTitle     string      `json:"shortTitle"`
	Status         *apiStatus  `json:"status"`
	LatestAction   *apiLatest  `json:"latestAction"`
	Summaries      []apiText   `json:"summaries"`
}

type apiTitle struct {
	Title     string `json:"title"`
	TitleType string `json:"titleType"`
}

type apiStatus struct {
	Text string `json:"text"`
}

type apiLatest struct {
	ActionDate string `json:"actionDate"`
	Text       string `json:"text"`
}

type apiText struct {
	Text string `json:"text"`
}

type apiName struct {
	Name string `json:"name"`
}

func (b *apiBill) toModel(billID, congress, billType string, number int) *models.BillData {
	bill := &models.BillData{
		BillID:         billID,
		Congress:       congress,
		BillType:       strings.ToUpper(billType),
		BillNumber:     number,
		Title:          b.Title,
		ShortTitle:     b.ShortTitle,
		IntroducedDate: b.IntroducedDate,
		Cosponsors:     []models.Member{},
		Committees:     []models.Committee{},
		Actions:        []models.Action{},
		Amendments:     []models.Amendment{},
		Votes:          []models.Vote{},
		Hearings:       []models.Hearing{},
	}
	if len(b.Sponsors) > 0 {
		sponsor := b.Sponsors[0].toModel()
		bill.Sponsor = &sponsor
	}
	if bill.ShortTitle == "" {
		for _, t := range b.Titles {
			if strings.HasPrefix(t.TitleType, "Short Title") {
				bill.ShortTitle = t.Title
				break
			}
		}
	}
	if b.Status != nil {
		bill.Status = b.Status.Text
	}
	if b.LatestAction != nil {
		bill.LastActionDate = b.LatestAction.ActionDate
		if bill.Status == "" {
			bill.Status = b.LatestAction.Text
		}
	}
	if len(b.Summaries) > 0 {
		bill.Summary = b.Summaries[0].Text
	}
	return bill
}

type apiCommittee struct {
	SystemCode string `json:"systemCode"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	URL        string `json:"url"`
}

type apiAction struct {
	ActionCode   string  `json:"actionCode"`
	Text         string  `json:"text"`
	ActionDate   string  `json:"actionDate"`
	URL          string  `json:"url"`
	SourceSystem apiName `json:"sourceSystem"`
}

type apiAmendment struct {
	Number         flexString  `json:"number"`
	Purpose        string      `json:"purpose"`
	Description    string      `json:"description"`
	Sponsors       []apiMember `json:"sponsors"`
	IntroducedDate string      `json:"introducedDate"`
	URL            string      `json:"url"`
}

func (a apiAmendment) sponsorName() string {
	if len(a.Sponsors) > 0 {
		return a.Sponsors[0].FullName
	}
	return ""
}

type apiVote struct {
	RollCall    flexString   `json:"rollCall"`
	Question    string       `json:"question"`
	Description string       `json:"description"`
	VoteDate    string       `json:"voteDate"`
	Chamber     string       `json:"chamber"`
	Result      string       `json:"result"`
	URL         string       `json:"url"`
	Parties     []apiPartyVt `json:"partyTotals"`
}

type apiPartyVt struct {
	Party string `json:"party"`
	Yea   int    `json:"yeaTotal"`
	Nay   int    `json:"nayTotal"`
}

func (v apiVote) toModel() models.Vote {
	vote := models.Vote{
		RollCall:    string(v.RollCall),
		Question:    v.Question,
		Description: v.Description,
		VoteDate:    v.VoteDate,
		Chamber:     v.Chamber,
		Result:      v.Result,
		URL:         v.URL,
	}
	for _, p := range v.Parties {
		vote.Parties = append(vote.Parties, models.PartyTally{Party: p.Party, Yea: p.Yea, Nay: p.Nay})
	}
	return vote
}
