package risk

import (
	"fmt"
	"strings"
)

// Keyword families for the deterministic fallback classifier. Matching is
// case-insensitive substring containment against the lowercased transcript.
var (
	crisisKeywords = []string{
		"kill myself", "end my life", "want to die", "suicide", "suicidal",
		"hurt myself", "self harm", "can't go on", "better off dead",
		"no point living", "end it all",
	}

	depressionKeywords = []string{
		"hopeless", "worthless", "useless", "failure", "depressed",
		"empty", "numb", "alone", "isolated", "burden",
	}

	anxietyKeywords = []string{
		"anxious", "panic", "worried", "scared", "terrified",
		"overwhelmed", "stressed", "can't cope", "losing control",
	}
)

// countMatches returns how many keywords from the list occur in text.
// text must already be lowercased.
func countMatches(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

// keywordAssess is the deterministic fallback classifier. It produces a
// fully populated Assessment from keyword counts alone, so the guardrail
// always has an answer even when the LLM path is down.
//
// Identical input text always yields an identical Assessment.
func keywordAssess(text string) Assessment {
	lower := strings.ToLower(text)

	crisis := countMatches(lower, crisisKeywords)
	depression := countMatches(lower, depressionKeywords)
	anxiety := countMatches(lower, anxietyKeywords)

	var score float64
	switch {
	case crisis > 0:
		score = 0.85 + min(0.15, float64(crisis)*0.05)
	case depression >= 2:
		score = 0.65 + min(0.15, float64(depression)*0.05)
	case anxiety >= 2:
		score = 0.35 + min(0.25, float64(anxiety)*0.05)
	case depression >= 1 || anxiety >= 1:
		score = 0.25 + min(0.20, float64(depression+anxiety)*0.05)
	default:
		score = 0.10
	}
	score = min(1.0, score)

	var (
		explanation     string
		recommendations []string
		emotions        []string
	)
	switch {
	case crisis > 0:
		explanation = fmt.Sprintf("Crisis language detected: found %d crisis indicators", crisis)
		recommendations = []string{
			"Immediate professional intervention recommended",
			"Contact emergency services if imminent danger",
			"Ensure client safety and supervision",
		}
		emotions = []string{"despair", "hopeless", "suicidal"}
	case depression >= 2:
		explanation = fmt.Sprintf("Multiple depression indicators detected: %d markers found", depression)
		recommendations = []string{
			"Consider depression screening tools",
			"Explore mood tracking and behavioral interventions",
			"Monitor for worsening symptoms",
		}
		emotions = []string{"sad", "hopeless", "empty"}
	case anxiety >= 2:
		explanation = fmt.Sprintf("Elevated anxiety indicators: %d stress markers found", anxiety)
		recommendations = []string{
			"Explore anxiety management techniques",
			"Consider relaxation and breathing exercises",
			"Identify triggers and coping strategies",
		}
		emotions = []string{"anxious", "worried", "overwhelmed"}
	default:
		explanation = "No significant risk indicators detected in current text"
		recommendations = []string{
			"Continue supportive listening",
			"Maintain therapeutic rapport",
			"Monitor for changes",
		}
		emotions = []string{"calm"}
	}

	return Assessment{
		Score:           score,
		Level:           levelForScore(score),
		MentalState:     stateForScore(score),
		TopEmotions:     emotions,
		Explanation:     explanation,
		Recommendations: recommendations,
		Source:          SourceKeyword,
	}
}
