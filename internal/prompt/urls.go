package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
)

const siteBase = "https://www.congress.gov"

// congress.gov path segments per API bill type.
var billTypeSlugs = map[string]string{
	"hr":      "house-bill",
	"s":       "senate-bill",
	"hres":    "house-resolution",
	"sres":    "senate-resolution",
	"hjres":   "house-joint-resolution",
	"sjres":   "senate-joint-resolution",
	"hconres": "house-concurrent-resolution",
	"sconres": "senate-concurrent-resolution",
}

// BillURLs holds the canonical congress.gov pages for a bill.
type BillURLs struct {
	Bill       string
	Actions    string
	Cosponsors string
	Amendments string
	Sponsor    string
}

// URLsFor builds the canonical pages for bill. Sponsor is empty when the
// sponsor has no bioguide id.
func URLsFor(bill *models.BillData) BillURLs {
	base := BillPage(bill.Congress, bill.BillType, bill.BillNumber)
	urls := BillURLs{
		Bill:       base,
		Actions:    base + "/actions",
		Cosponsors: base + "/cosponsors",
		Amendments: base + "/amendments",
	}
	if bill.Sponsor != nil && bill.Sponsor.BioguideID != "" {
		urls.Sponsor = MemberPage(bill.Sponsor.BioguideID)
	}
	return urls
}

// BillPage returns https://www.congress.gov/bill/{congress}th-congress/{slug}/{n}.
func BillPage(congress, billType string, number int) string {
	t := strings.ToLower(billType)
	if slug, ok := billTypeSlugs[t]; ok {
		t = slug
	}
	return fmt.Sprintf("%s/bill/%sth-congress/%s/%d", siteBase, congress, t, number)
}

// MemberPage returns the member profile page for a bioguide id.
func MemberPage(bioguideID string) string {
	return siteBase + "/member/" + bioguideID
}

var (
	apiAmendmentRe = regexp.MustCompile(`/amendment/(\d+)/(\w+)/(\d+)`)
	apiHearingRe   = regexp.MustCompile(`/hearing/(\d+)/(\w+)/(\d+)`)
)

// UserURL converts an api.congress.gov URL to the page a reader can open.
// Amendments map to the bill's amendments page and hearings to the chamber
// hearings listing. Other URLs are returned unchanged.
func UserURL(apiURL string, bill *models.BillData) string {
	if !strings.HasPrefix(apiURL, "https://api.congress.gov") {
		return apiURL
	}
	if m := apiAmendmentRe.FindStringSubmatch(apiURL); m != nil && bill != nil {
		return BillPage(m[1], bill.BillType, bill.BillNumber) + "/amendments"
	}
	if m := apiHearingRe.FindStringSubmatch(apiURL); m != nil {
		chamber := "senate"
		if m[2] == "house" {
			chamber = "house"
		}
		return fmt.Sprintf("%s/hearings/%sth-congress/%s", siteBase, m[1], chamber)
	}
	return apiURL
}

// Overlap is the result of checking cosponsors against committee rosters.
type Overlap struct {
	// Known is false when no committee carries a member roster.
	Known   bool
	Members []models.Member
}

// CommitteeOverlap reports which cosponsors sit on one of the bill's committees.
func CommitteeOverlap(bill *models.BillData) Overlap {
	roster := make(map[string]bool)
	for _, c := range bill.Committees {
		for _, id := range c.MemberIDs {
			roster[id] = true
		}
	}
	if len(roster) == 0 {
		return Overlap{}
	}
	out := Overlap{Known: true}
	for _, m := range bill.Cosponsors {
		if roster[m.BioguideID] {
			out.Members = append(out.Members, m)
		}
	}
	return out
}

// VoteClass labels a roll call by how the parties split.
type VoteClass string

const (
	VotePartyLine  VoteClass = "party-line"
	VoteBipartisan VoteClass = "bipartisan"
	VoteUnknown    VoteClass = "unknown"
)

// ClassifyVote compares each party's majority position. Opposite majorities
// make a party-line vote; the same majority is bipartisan. Fewer than two
// parties with recorded votes is unknown.
func ClassifyVote(v models.Vote) VoteClass {
	var sides []bool
	for _, p := range v.Parties {
		if p.Yea+p.Nay == 0 || p.Yea == p.Nay {
			continue
		}
		sides = append(sides, p.Yea > p.Nay)
	}
	if len(sides) < 2 {
		return VoteUnknown
	}
	for _, s := range sides[1:] {
		if s != sides[0] {
			return VotePartyLine
		}
	}
	return VoteBipartisan
}
