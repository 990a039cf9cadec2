package syncer

import (
	"errors"
	"strings"
	"unicode"

	"github.com/azure/mentions-sync/internal/models"
)

var errMissingExternalID = errors.New("mention has no external id")

var (
	positiveWords = map[string]bool{
		"good": true, "great": true, "excellent": true, "love": true, "awesome": true, "fantastic": true,
		"helpful": true, "works": true, "solved": true, "success": true, "amazing": true, "best": true,
		"easy": true, "fast": true, "recommend": true, "thanks": true,
	}
	negativeWords = map[string]bool{
		"bad": true, "terrible": true, "awful": true, "hate": true, "broken": true, "error": true,
		"fail": true, "failed": true, "problem": true, "issue": true, "bug": true, "slow": true,
		"worst": true, "outage": true, "down": true, "crash": true,
	}
)

// normalizeMention stamps ownership fields and fills derived fields the connector left empty
func normalizeMention(m *models.Mention, src models.Source, topicNames []string) error {
	m.TenantID = src.TenantID
	m.SourceID = src.ID
	if m.Platform == "" {
		m.Platform = src.Platform
	}
	m.ExternalID = strings.TrimSpace(m.ExternalID)
	if m.ExternalID == "" {
		return errMissingExternalID
	}
	m.Content = strings.TrimSpace(m.Content)

	if m.SentimentScore == nil {
		score := sentimentScore(m.Content)
		m.SentimentScore = &score
	}
	if len(m.Topics) == 0 {
		m.Topics = matchTopics(m.Content, topicNames)
	}
	return nil
}

// sentimentScore is a lexical score in [-1, 1]: (positive - negative) / (positive + negative)
func sentimentScore(content string) float64 {
	words := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})

	var pos, neg int
	for _, w := range words {
		switch {
		case positiveWords[w]:
			pos++
		case negativeWords[w]:
			neg++
		}
	}
	if pos+neg == 0 {
		return 0
	}
	return float64(pos-neg) / float64(pos+neg)
}

// matchTopics returns the topic names contained in content, case-insensitively
func matchTopics(content string, topicNames []string) []string {
	lower := strings.ToLower(content)
	var matched []string
	for _, name := range topicNames {
		if name != "" && strings.Contains(lower, strings.ToLower(name)) {
			matched = append(matched, name)
		}
	}
	return matched
}
