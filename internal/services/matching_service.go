package services

import (
	"context"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"github.com/justsurfingit/apply-scheduler/internal/models"
	"gorm.io/gorm"
)

type MatcherService struct {
	DB *gorm.DB
}

func NewMatcherService(db *gorm.DB) *MatcherService {
	return &MatcherService{DB: db}
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// Normalize lowercases s and collapses every run of non-alphanumerics to one space.
func Normalize(s string) string {
	return strings.TrimSpace(nonAlnum.ReplaceAllString(strings.ToLower(s), " "))
}

// MatchKey identifies a job by normalized company and title.
func MatchKey(company, title string) string {
	return Normalize(company) + "|" + Normalize(title)
}

// NormalizeURL strips scheme, "www.", fragment, tracking parameters and
// trailing slashes so the same posting compares equal across visits.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	q := u.Query()
	for k := range q {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "utm_") || lk == "ref" || lk == "refid" || lk == "trk" || lk == "trackingid" {
			q.Del(k)
		}
	}
	out := host + strings.TrimRight(u.EscapedPath(), "/")
	if enc := q.Encode(); enc != "" {
		out += "?" + enc
	}
	return out
}

// Subject lines of application confirmations. The first group is the title
// and the second the company, when present.
var subjectPatterns = []struct {
	re          *regexp.Regexp
	title, comp int
}{
	{regexp.MustCompile(`(?i)application (?:for|to) (?:the )?(.+?) (?:position |role )?at (.+?)[.!]?$`), 1, 2},
	{regexp.MustCompile(`(?i)you applied (?:for|to) (?:the )?(.+?) (?:position |role )?at (.+?)[.!]?$`), 1, 2},
	{regexp.MustCompile(`(?i)thank(?:s| you) for (?:applying|your application) (?:to|at|with) (.+?)[.!]?$`), 0, 1},
	{regexp.MustCompile(`(?i)your application (?:for|to) (?:the )?(.+?)(?: position| role)?[.!]?$`), 1, 0},
}

// ATS and mail-provider domains that never name the employer.
var genericSenderDomains = map[string]bool{
	"greenhouse": true, "lever": true, "myworkdayjobs": true, "workday": true,
	"linkedin": true, "indeed": true, "smartrecruiters": true, "ashbyhq": true,
	"icims": true, "jobvite": true, "gmail": true, "outlook": true, "yahoo": true,
	"hotmail": true, "googlemail": true, "glassdoor": true, "taleo": true,
}

var senderNoise = regexp.MustCompile(`(?i)\b(recruiting|recruitment|careers?|jobs|talent( acquisition)?|hiring|team|hr|no-?reply|notifications?)\b`)

// ExtractFromEmail guesses the company and job title of an application
// confirmation email. Either result may be empty.
func (s *MatcherService) ExtractFromEmail(ctx context.Context, subject, rawSender string) (company, title string) {
	subject = strings.TrimSpace(stripForwardPrefix(subject))
	for _, p := range subjectPatterns {
		m := p.re.FindStringSubmatch(subject)
		if m == nil {
			continue
		}
		if p.title > 0 {
			title = strings.TrimSpace(m[p.title])
		}
		if p.comp > 0 {
			company = strings.TrimSpace(m[p.comp])
		}
		break
	}
	if company == "" {
		if c := s.FindCompanyFromEmail(ctx, subject, rawSender); c != nil {
			company = c.Name
		}
	}
	if company == "" {
		company = companyFromSender(rawSender)
	}
	return company, title
}

// FindCompanyFromEmail tries to match an email to a tracked Company
func (s *MatcherService) FindCompanyFromEmail(ctx context.Context, subject, rawSender string) *models.Company {
	if s.DB == nil {
		return nil
	}
	senderName, senderAddr := parseSender(rawSender)
	subjectLower := strings.ToLower(subject)

	// TODO: cache the company list; this scans the table per email.
	var companies []models.Company
	if err := s.DB.WithContext(ctx).Find(&companies).Error; err != nil {
		return nil
	}
	for _, company := range companies {
		companyName := strings.ToLower(company.Name)
		// Very short names ("X", "Go") match everything.
		if len(companyName) < 3 {
			continue
		}
		if strings.Contains(subjectLower, companyName) {
			return &company
		}
		if senderName != "" && strings.Contains(senderName, companyName) {
			return &company
		}
		// Only the part after '@'.
		if parts := strings.Split(senderAddr, "@"); len(parts) == 2 {
			if strings.Contains(parts[1], strings.ReplaceAll(companyName, " ", "")) {
				return &company
			}
		}
	}
	return nil
}

func parseSender(rawSender string) (name, addr string) {
	parsed, err := mail.ParseAddress(rawSender)
	if err != nil {
		return "", strings.ToLower(strings.TrimSpace(rawSender))
	}
	return strings.ToLower(parsed.Name), strings.ToLower(parsed.Address)
}

func companyFromSender(rawSender string) string {
	parsed, err := mail.ParseAddress(rawSender)
	if err != nil {
		return ""
	}
	if name := strings.TrimSpace(senderNoise.ReplaceAllString(parsed.Name, "")); name != "" {
		return strings.Join(strings.Fields(name), " ")
	}
	parts := strings.Split(strings.ToLower(parsed.Address), "@")
	if len(parts) != 2 {
		return ""
	}
	labels := strings.Split(parts[1], ".")
	if len(labels) < 2 {
		return ""
	}
	// "jobs.stripe.com" -> "stripe"
	label := labels[len(labels)-2]
	if genericSenderDomains[label] {
		return ""
	}
	return label
}

var forwardPrefix = regexp.MustCompile(`(?i)^\s*((fwd?|fw)\s*:\s*)+`)

func stripForwardPrefix(subject string) string {
	return forwardPrefix.ReplaceAllString(subject, "")
}
