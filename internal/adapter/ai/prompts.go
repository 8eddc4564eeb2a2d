package ai

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-idea-aggregator/internal/domain"
)

const researchSystemPrompt = `You are a research strategist generating concrete, actionable ideas for a given problem statement.

Respond with a JSON object of this exact shape:
{
  "ideas": [
    {
      "title": "short idea name (5-500 chars)",
      "description": "what the idea is and how it works (min 50 chars)",
      "rationale": "why this idea addresses the problem (min 20 chars)",
      "category": "one of: technical, business, research, design, policy, other",
      "confidence_score": 0.0,
      "novelty_score": 0.0,
      "tags": ["lowercase", "keywords"]
    }
  ]
}

Rules:
- Produce exactly 5 ideas.
- Every field is required for every idea.
- category must be one of: technical, business, research, design, policy, other.
- confidence_score and novelty_score are numbers between 0 and 1.
- tags: 3 to 6 lowercase keywords per idea.

CRITICAL: Respond with ONLY valid JSON. No explanations, no markdown, no reasoning.`

// BuildResearchPrompts returns the system and user prompts for the
// idea-generation fan-out.
func BuildResearchPrompts(problemStatement string) (string, string) {
	user := fmt.Sprintf("Problem statement:\n%s\n\nGenerate exactly 5 distinct ideas addressing this problem. Respond with JSON only.", problemStatement)
	return researchSystemPrompt, user
}

const deepeningSystemPrompt = `You are a senior strategy consultant elaborating one previously generated idea in depth.

Respond with a JSON object of this exact shape:
{
  "deepening": {
    "idea_title": "the idea being deepened",
    "depth_level": 1,
    "executive_summary": "...",
    "key_insights": ["..."],
    "detailed_analysis": "at least 100 characters of analysis",
    "action_items": [{"step": 1, "description": "...", "priority": "high|medium|low", "estimated_effort": "..."}],
    "risks": [{"risk": "...", "severity": "...", "mitigation": "..."}],
    "success_metrics": ["..."],
    "resources_needed": ["..."],
    "estimated_timeline": "...",
    "confidence_score": 0.0
  }
}

CRITICAL: Respond with ONLY valid JSON. No explanations, no markdown, no reasoning.`

// depthInstructions is keyed by depthLevel (1..3); each level asks for a
// progressively more concrete treatment of the idea.
var depthInstructions = map[int]string{
	1: `Depth level 1 (strategic overview): cover the market context, key stakeholders, main challenges, success metrics and an indicative timeline. Close with 3 to 5 concrete next steps.`,
	2: `Depth level 2 (detailed implementation plan): lay out the proposed architecture or operating model, required resources, risks with mitigations, the competitive landscape and a phased roadmap.`,
	3: `Depth level 3 (full execution blueprint): give a step-by-step execution guide, concrete tools and vendors, team composition, KPIs, a cost breakdown, compliance considerations and measurable targets at 90 days, 6 months and 1 year.`,
}

// BuildDeepeningPrompts returns the system and user prompts for one
// deepening call. depthLevel outside [1,3] falls back to level 1.
func BuildDeepeningPrompts(idea domain.Idea, problemStatement string, depthLevel int) (string, string) {
	instr, ok := depthInstructions[depthLevel]
	if !ok {
		depthLevel = 1
		instr = depthInstructions[1]
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Original problem statement:\n%s\n\n", problemStatement)
	fmt.Fprintf(&b, "Idea to deepen:\nTitle: %s\nDescription: %s\nRationale: %s\nCategory: %s\nTags: %s\n\n",
		idea.Title, idea.Description, idea.Rationale, idea.Category, strings.Join(idea.Tags, ", "))
	fmt.Fprintf(&b, "%s\n\nSet depth_level to %d in the response. Respond with JSON only.", instr, depthLevel)
	return deepeningSystemPrompt, b.String()
}
