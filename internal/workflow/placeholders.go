package workflow

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	TokenTranscript     = "TRANSCRIPT"
	TokenPreviousOutput = "PRV_RD_OUTPUT"
)

var (
	placeholderToken = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.:/-]+)\s*\}\}|@#([A-Za-z0-9_.:/-]+)#@`)
	roundToken       = regexp.MustCompile(`^RD_([0-9]+)_(COMBINED|AI_(.+))$`)
)

// Scope is everything a template can reference when a stage is expanded.
type Scope struct {
	Transcript string
	// Prior holds the persisted results of the stages before the current
	// one, in workflow order. Round n is Prior[n-1].
	Prior []StageResult
	// Named holds user-defined placeholders such as canned prompts or
	// system prompt bodies, keyed by token name without delimiters.
	Named map[string]string
}

// Expand substitutes {{NAME}} and @#NAME#@ tokens in one pass, so
// substituted text is never expanded again. Unknown tokens are left as
// written.
func Expand(template string, scope Scope) string {
	return placeholderToken.ReplaceAllStringFunc(template, func(match string) string {
		groups := placeholderToken.FindStringSubmatch(match)
		token := groups[1]
		if token == "" {
			token = groups[2]
		}
		if value, ok := scope.Resolve(token); ok {
			return value
		}
		return match
	})
}

// Resolve looks a token up. Built-in tokens win over named ones.
func (s Scope) Resolve(token string) (string, bool) {
	switch token {
	case TokenTranscript:
		return s.Transcript, true
	case TokenPreviousOutput:
		if len(s.Prior) == 0 {
			return "", true
		}
		return s.Prior[len(s.Prior)-1].CombinedText, true
	}
	if groups := roundToken.FindStringSubmatch(token); groups != nil {
		round, err := strconv.Atoi(groups[1])
		if err == nil && round >= 1 && round <= len(s.Prior) {
			result := s.Prior[round-1]
			if groups[2] == "COMBINED" {
				return result.CombinedText, true
			}
			if text, ok := result.PerModelText[groups[3]]; ok {
				return text, true
			}
		}
	}
	if value, ok := s.Named[token]; ok {
		return value, true
	}
	return "", false
}

// InstructionKey is the lookup key of custom instructions for a stage.
func InstructionKey(scope InstructionScope, contextID, stageID string) string {
	if scope == ScopeStage {
		return contextID + "::" + stageID
	}
	return contextID
}

// WithInstructions prepends instructions to prompt.
func WithInstructions(instructions, prompt string) string {
	instructions = strings.TrimSpace(instructions)
	if instructions == "" {
		return prompt
	}
	return instructions + "\n\n" + prompt
}
