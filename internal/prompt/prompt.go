// Package prompt builds the generation requests for sub-task answers and
// the final article from normalized bill data.
package prompt

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/llm"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
)

const (
	// AnswerMaxTokens bounds each sub-task answer.
	AnswerMaxTokens = 80
	// ArticleMaxTokens bounds the composed article.
	ArticleMaxTokens = 1536
	// MaxVerifiedURLs caps the verified reference list placed in the article prompt.
	MaxVerifiedURLs = 20

	summaryLimit     = 500
	descriptionLimit = 300
	voteDescLimit    = 160
)

// Questions are the seven sub-task questions, keyed by sub-task id.
var Questions = map[int]string{
	1: "What does this bill do? Where is it in the process?",
	2: "What committees is this bill in?",
	3: "Who is the sponsor?",
	4: "Who cosponsored this bill? Are any of the cosponsors on the committee that the bill is in?",
	5: "Have any hearings happened on the bill? If so, what were the findings?",
	6: "Have any amendments been proposed on the bill? If so, who proposed them and what do they do?",
	7: "Have any votes happened on the bill? If so, was it a party-line vote or a bipartisan one?",
}

const answerSystem = `You are a knowledgeable assistant that answers questions about U.S.
congressional bills using only the provided data from Congress.gov.
Write answers in a clear, accessible style suitable for news articles.
CRITICAL: When URLs are provided in the data, you MUST include them as markdown hyperlinks.
Format: [text](url) - Examples:
- Bill: [H.R.1](https://www.congress.gov/bill/118th-congress/house-bill/1)
- Sponsor: [Rep. Smith](https://www.congress.gov/member/S000001)
- Committee: [Committee Name](https://www.congress.gov/committee/...)
If a URL is provided in the data, you MUST use it in markdown format. Do not just mention the URL as plain text.`

const articleSystem = `You are a professional journalist writing engaging news articles for a general audience.
Write in a clear, accessible style that reads like a real news story, not a technical summary.
Use an engaging lead paragraph, flowing narrative, and journalistic tone throughout.
CRITICAL: Include markdown hyperlinks in format [text](url) for ALL Congress.gov references.
Example: [H.R.1](https://www.congress.gov/bill/118th-congress/house-bill/1)`

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

// Answer builds the request for one sub-task question.
func Answer(bill *models.BillData, subTaskID int) (llm.Request, error) {
	question, ok := Questions[subTaskID]
	if !ok {
		return llm.Request{}, fmt.Errorf("%w: %d", models.ErrInvalidSubTask, subTaskID)
	}

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(Facts(bill))
	b.WriteString(questionContext(bill, subTaskID))
	b.WriteString("\n\n")
	b.WriteString(question)
	b.WriteString("\n\nAnswer:\n")

	return llm.Request{System: answerSystem, Prompt: b.String(), MaxTokens: AnswerMaxTokens}, nil
}

// Facts is the compact bill summary shared by every prompt.
func Facts(bill *models.BillData) string {
	lines := []string{
		fmt.Sprintf("Bill: %s - %s", bill.BillID, bill.Title),
		fmt.Sprintf("Status: %s", orNA(bill.Status)),
	}
	if bill.Summary != "" {
		lines = append(lines, "Summary: "+truncate(strings.TrimSpace(htmlTagRe.ReplaceAllString(bill.Summary, "")), summaryLimit))
	}
	if s := bill.Sponsor; s != nil {
		lines = append(lines, fmt.Sprintf("Sponsor: %s (%s-%s)", orNA(s.FullName), orNA(s.Party), orNA(s.State)))
	}
	if len(bill.Committees) > 0 {
		names := make([]string, 0, 2)
		for i, c := range bill.Committees {
			if i == 2 {
				break
			}
			names = append(names, orNA(c.Name))
		}
		lines = append(lines, "Committees: "+strings.Join(names, ", "))
	}
	if n := len(bill.Cosponsors); n > 0 {
		lines = append(lines, fmt.Sprintf("Cosponsors: %d total", n))
	}
	return strings.Join(lines, "\n")
}

func questionContext(bill *models.BillData, subTaskID int) string {
	switch subTaskID {
	case 1:
		return processContext(bill)
	case 2:
		return committeeContext(bill)
	case 3:
		return sponsorContext(bill)
	case 4:
		return cosponsorContext(bill)
	case 5:
		return hearingContext(bill)
	case 6:
		return amendmentContext(bill)
	case 7:
		return voteContext(bill)
	}
	return ""
}

func processContext(bill *models.BillData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n\nProcess: Status=%s; Votes recorded=%d.", orNA(bill.Status), len(bill.Votes))
	if bill.IntroducedDate != "" {
		fmt.Fprintf(&b, "\nIntroduced: %s", bill.IntroducedDate)
	}
	var actions []string
	for _, a := range bill.Actions {
		if a.Text != "" && a.ActionDate != "" {
			actions = append(actions, fmt.Sprintf("- %s: %s", a.ActionDate, a.Text))
		}
	}
	if len(actions) > 0 {
		b.WriteString("\nRecent actions:\n")
		b.WriteString(strings.Join(actions, "\n"))
	}
	fmt.Fprintf(&b, "\nBill page: %s", URLsFor(bill).Bill)
	return b.String()
}

func committeeContext(bill *models.BillData) string {
	if len(bill.Committees) == 0 {
		return "\n\nCommittees: None listed."
	}
	lines := []string{"\n\nCommittees:"}
	for _, c := range bill.Committees {
		line := fmt.Sprintf("- %s (%s)", orNA(c.Name), orNA(c.SystemCode))
		if c.URL != "" {
			line += " - " + c.URL
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func sponsorContext(bill *models.BillData) string {
	s := bill.Sponsor
	if s == nil {
		return "\n\nSponsor details:\n- N/A"
	}
	line := fmt.Sprintf("\n\nSponsor details:\n- %s (%s-%s)", orNA(s.FullName), orNA(s.Party), orNA(s.State))
	if s.BioguideID != "" {
		line += " - " + MemberPage(s.BioguideID)
	}
	return line
}

func cosponsorContext(bill *models.BillData) string {
	lines := []string{fmt.Sprintf("\n\nCosponsors: %d total", len(bill.Cosponsors))}
	for _, c := range bill.Cosponsors {
		line := fmt.Sprintf("- %s (%s-%s)", orNA(c.FullName), orNA(c.Party), orNA(c.State))
		if c.BioguideID != "" {
			line += " - " + MemberPage(c.BioguideID)
		}
		lines = append(lines, line)
	}

	overlap := CommitteeOverlap(bill)
	switch {
	case !overlap.Known:
		lines = append(lines, "Committee overlap: unknown (committee rosters not available).")
	case len(overlap.Members) == 0:
		lines = append(lines, "Committee overlap: none of the cosponsors sit on the bill's committees.")
	default:
		names := make([]string, len(overlap.Members))
		for i, m := range overlap.Members {
			names[i] = orNA(m.FullName)
		}
		lines = append(lines, "Committee overlap: "+strings.Join(names, ", "))
	}
	lines = append(lines, "Cosponsors page: "+URLsFor(bill).Cosponsors)
	return strings.Join(lines, "\n")
}

func hearingContext(bill *models.BillData) string {
	if len(bill.Hearings) == 0 {
		return "\n\nHearings: None found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n\nHearings (%d total):\n", len(bill.Hearings))
	for i, h := range bill.Hearings {
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, orNA(h.Title))
		if h.JacketNumber != "" {
			fmt.Fprintf(&b, "   Hearing Number: %s\n", h.JacketNumber)
		}
		if len(h.Dates) > 0 {
			fmt.Fprintf(&b, "   Date: %s\n", h.Dates[0])
		}
		if h.Citation != "" {
			fmt.Fprintf(&b, "   Citation: %s\n", h.Citation)
		}
		if h.URL != "" {
			fmt.Fprintf(&b, "   URL: %s\n", UserURL(h.URL, bill))
		}
		if len(h.Committees) > 0 {
			n := len(h.Committees)
			if n > 3 {
				n = 3
			}
			fmt.Fprintf(&b, "   Committees: %s\n", strings.Join(h.Committees[:n], ", "))
		}
	}
	return b.String()
}

func amendmentContext(bill *models.BillData) string {
	if len(bill.Amendments) == 0 {
		return "\n\nAmendments: None found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "\n\nAmendments (%d total):\n", len(bill.Amendments))
	for i, a := range bill.Amendments {
		fmt.Fprintf(&b, "\n%d. Amendment %s", i+1, orNA(a.Number))
		if a.IntroducedDate != "" {
			fmt.Fprintf(&b, " (Introduced: %s)", a.IntroducedDate)
		}
		sponsor := a.Sponsor
		if sponsor == "" {
			sponsor = "Unknown"
		}
		fmt.Fprintf(&b, "\n   Sponsor: %s\n", sponsor)
		if a.Purpose != "" {
			fmt.Fprintf(&b, "   Purpose: %s\n", a.Purpose)
		} else if a.Description != "" {
			fmt.Fprintf(&b, "   Description: %s\n", truncate(a.Description, descriptionLimit))
		}
		if a.URL != "" {
			fmt.Fprintf(&b, "   URL: %s\n", UserURL(a.URL, bill))
		}
	}
	return b.String()
}

func voteContext(bill *models.BillData) string {
	lines := []string{fmt.Sprintf("\n\nVotes: %d roll call(s) recorded", len(bill.Votes))}
	for _, v := range bill.Votes {
		line := fmt.Sprintf("- %s [%s] Roll %s: %s", orNA(v.VoteDate), orNA(v.Chamber), orNA(v.RollCall), orNA(v.Result))
		if class := ClassifyVote(v); class != VoteUnknown {
			line += fmt.Sprintf(" (%s)", class)
		}
		if d := strings.TrimSpace(v.Description); d != "" {
			line += " - " + truncate(d, voteDescLimit)
		}
		if v.URL != "" {
			line += " - " + UserURL(v.URL, bill)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// Article builds the composition request. answers is keyed by sub-task id;
// validation may be nil. Only validated references are offered as verified
// links, capped at MaxVerifiedURLs.
func Article(bill *models.BillData, answers map[int]string, validation *models.ReferenceValidation) llm.Request {
	var narrative strings.Builder
	for _, id := range models.SubTaskIDs() {
		if a := answers[id]; a != "" {
			narrative.WriteString(a)
			narrative.WriteString("\n\n")
		}
	}

	system := articleSystem
	if validation != nil {
		system += fmt.Sprintf("\n\nLink Validation Results: %d valid URLs, %d invalid URLs.", validation.ValidCount, validation.InvalidCount)
		if valid := validation.ValidReferences(); len(valid) > 0 {
			if len(valid) > MaxVerifiedURLs {
				valid = valid[:MaxVerifiedURLs]
			}
			system += "\n\nVERIFIED VALID URLs (ONLY use these):\n- " + strings.Join(valid, "\n- ")
			system += "\n\nCRITICAL: Only use URLs from the verified valid URLs list above. Do NOT invent or modify URLs."
		}
	}

	var b strings.Builder
	b.WriteString("\nBill Data:\n")
	b.WriteString(Facts(bill))
	b.WriteString("\n\nQuestion Answers:\n")
	b.WriteString(narrative.String())
	b.WriteString("\nREQUIRED: Use these URLs as markdown hyperlinks throughout your article:\n")
	if refs := referenceList(bill); len(refs) > 0 {
		b.WriteString(strings.Join(refs, "\n"))
	} else {
		b.WriteString("No URLs available")
	}
	b.WriteString(articleInstructions)

	return llm.Request{System: system, Prompt: b.String(), MaxTokens: ArticleMaxTokens}
}

func referenceList(bill *models.BillData) []string {
	urls := URLsFor(bill)
	refs := []string{
		"- Bill: " + urls.Bill,
		"- Actions: " + urls.Actions,
		"- Cosponsors: " + urls.Cosponsors,
	}
	if urls.Sponsor != "" {
		refs = append(refs, "- Sponsor: "+urls.Sponsor)
	}
	for _, c := range bill.Committees {
		if c.URL != "" {
			refs = append(refs, fmt.Sprintf("- Committee (%s): %s", orNA(c.Name), c.URL))
		}
	}
	if len(bill.Amendments) > 0 {
		refs = append(refs, "- Amendments: "+urls.Amendments)
	}
	for i, v := range bill.Votes {
		if i == 20 {
			break
		}
		if v.URL != "" {
			refs = append(refs, fmt.Sprintf("- Vote Roll %s: %s", orNA(v.RollCall), UserURL(v.URL, bill)))
		}
	}
	for i, h := range bill.Hearings {
		if i == 10 {
			break
		}
		if h.URL != "" {
			refs = append(refs, fmt.Sprintf("- Hearing (%s): %s", truncate(orNA(h.Title), 50), UserURL(h.URL, bill)))
		}
	}
	return refs
}

const articleInstructions = `

CRITICAL: You MUST include markdown links [text](url) for:
- The bill itself: [bill name](bill_url)
- The sponsor: [sponsor name](sponsor_url) when mentioning the sponsor
- Committees mentioned: [committee name](committee_url) when referencing committees
- Amendments mentioned: [Amendment X](amendment_url) when discussing amendments
- Votes mentioned: [Roll Call X](vote_url) when referencing votes
- Any hearings: [hearing title](hearing_url) when mentioning hearings

Write a complete, compelling news article (aim for 600-900 words) that tells the story of this bill.

Structure it like a real political news story:
- Start with an engaging lead paragraph
- Use flowing narrative paragraphs, not bullet points or topic headlines
- Cover all 7 questions naturally within the story:
  1. What does this bill do? Where is it in the process?
  2. What committees is this bill in?
  3. Who is the sponsor?
  4. Who cosponsored this bill? Are any of the cosponsors on the committee that the bill is in?
  5. Have any hearings happened on the bill? If so, what were the findings?
  6. Have any amendments been proposed on the bill? If so, who proposed them and what do they do?
  7. Have any votes happened on the bill? If so, was it a party-line vote or a bipartisan one?
- End with a conclusion that tells the reader whether the bill should concern them

Include proper markdown hyperlinks for all Congress.gov references.
`

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
